package lan

import "fmt"

// models maps Broadlink device type codes to product names.
var models = map[uint16]string{
	0x2712: "RM2",
	0x2737: "RM Mini",
	0x273d: "RM Pro Phicomm",
	0x2783: "RM2 Home Plus",
	0x277c: "RM2 Home Plus GDT",
	0x272a: "RM2 Pro Plus",
	0x2787: "RM2 Pro Plus2",
	0x279d: "RM2 Pro Plus3",
	0x27a9: "RM2 Pro Plus_300",
	0x278b: "RM2 Pro Plus BL",
	0x2797: "RM2 Pro Plus HYC",
	0x27a1: "RM2 Pro Plus R1",
	0x27a6: "RM2 Pro PP",
	0x278f: "RM Mini Shate",
	0x27c2: "RM Mini 3",
	0x27d1: "RM Mini 3",
	0x27de: "RM Mini 3",
	0x5f36: "RM Mini 3",
	0x6507: "RM Mini 3",
	0x6508: "RM Mini 3",
	0x51da: "RM4 Mini",
	0x5209: "RM4 TV Mate",
	0x520b: "RM4 Pro",
	0x520c: "RM4 Mini",
	0x520d: "RM4C Mini",
	0x5211: "RM4C Mate",
	0x5212: "RM4 TV Mate",
	0x5213: "RM4 Pro",
	0x5216: "RM4 Mini",
	0x521c: "RM4 Mini",
	0x6026: "RM4 Pro",
	0x610e: "RM4 Mini",
	0x610f: "RM4C Mini",
	0x61a2: "RM4 Pro",
	0x62bc: "RM4 Mini",
	0x62be: "RM4C Mini",
	0x6364: "RM4S",
	0x648d: "RM4 Mini",
	0x649b: "RM4 Pro",
	0x653a: "RM4 Mini",
	0x653c: "RM4 Pro",
}

// ModelName returns the product name for a device type, or a hex label
// for unknown types.
func ModelName(devType uint16) string {
	if name, ok := models[devType]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (0x%04x)", devType)
}
