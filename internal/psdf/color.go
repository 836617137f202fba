package psdf

// RGB is a decoded colour with channels in [0, 255].
type RGB [3]float32

// EncodeColor packs an RGB triple into 0x00RRGGBB, rounding and clamping
// each channel.
func EncodeColor(c RGB) uint32 {
	return uint32(channel(c[0]))<<16 | uint32(channel(c[1]))<<8 | uint32(channel(c[2]))
}

// DecodeColor unpacks 0x00RRGGBB.
func DecodeColor(packed uint32) RGB {
	return RGB{
		float32((packed >> 16) & 0xFF),
		float32((packed >> 8) & 0xFF),
		float32(packed & 0xFF),
	}
}

// PackRGB packs three bytes.
func PackRGB(r, g, b uint8) uint32 {
	return uint32(r)<<16 | uint32(g)<<8 | uint32(b)
}

// blendColor returns (1-alpha)*old + alpha*obs, re-encoded.
func blendColor(old, obs uint32, alpha float32) uint32 {
	a, b := DecodeColor(old), DecodeColor(obs)
	var out RGB
	for i := range out {
		out[i] = a[i] + alpha*(b[i]-a[i])
	}
	return EncodeColor(out)
}

func channel(f float32) uint8 {
	f += 0.5
	if f <= 0 {
		return 0
	}
	if f >= 255 {
		return 255
	}
	return uint8(f)
}
