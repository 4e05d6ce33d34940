package media

// NAL unit types used by the frame-drop policy and caption extraction.
const (
	NALTypeNonIDRSlice = 1
	NALTypeIDRSlice    = 5
	NALTypeSEI         = 6
)

// SplitNALUs walks an Annex-B byte stream and returns the contained NAL
// units without their start codes. Both 3- and 4-byte start codes are
// accepted.
func SplitNALUs(data []byte) [][]byte {
	var nalus [][]byte
	start := -1
	i := 0
	for i+2 < len(data) {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if start >= 0 {
				end := i
				if end > start && data[end-1] == 0 {
					end-- // 4-byte start code
				}
				if end > start {
					nalus = append(nalus, data[start:end])
				}
			}
			start = i + 3
			i += 3
			continue
		}
		i++
	}
	if start >= 0 && start < len(data) {
		nalus = append(nalus, data[start:])
	}
	return nalus
}

// IsAVCReferenceFrame reports whether the first coded slice in the access
// unit is a reference picture (nal_ref_idc != 0); a unit with no slice
// counts as a reference. Non-reference frames can be
// dropped before decode without corrupting later pictures.
func IsAVCReferenceFrame(au *AccessUnit) bool {
	for _, nalu := range SplitNALUs(au.Data) {
		if len(nalu) == 0 {
			continue
		}
		nalType := int(nalu[0] & 0x1F)
		refIdc := int(nalu[0]>>5) & 0x03
		if nalType >= NALTypeNonIDRSlice && nalType <= NALTypeIDRSlice {
			return refIdc != 0
		}
	}
	return true
}
