package broadlink

import "errors"

// Domain errors for the Broadlink bridge package.
var (
	// ErrInvalidPayload is returned when a dispatch request carries an empty
	// or malformed code. It is the only error Dispatcher.Send propagates for
	// bad input.
	ErrInvalidPayload = errors.New("broadlink: invalid payload")

	// ErrNoDevice is reported when no registered device matches a request.
	ErrNoDevice = errors.New("broadlink: no device found")

	// ErrUnsupported is reported when a device lacks a required capability.
	ErrUnsupported = errors.New("broadlink: operation not supported by device")

	// ErrInvalidCode is reported when a code contains the invalid-code marker.
	ErrInvalidCode = errors.New("broadlink: invalid code")

	// ErrConversionFailed is reported when a Pronto code cannot be converted.
	ErrConversionFailed = errors.New("broadlink: pronto conversion failed")

	// ErrSendFailed is reported when the device transport rejects a send.
	ErrSendFailed = errors.New("broadlink: send failed")

	// ErrInvalidMAC is returned when a hardware address cannot be normalised.
	ErrInvalidMAC = errors.New("broadlink: invalid MAC address")

	// ErrInvalidConfig is returned when bridge options fail validation.
	ErrInvalidConfig = errors.New("broadlink: invalid configuration")
)
