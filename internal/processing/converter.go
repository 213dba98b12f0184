package processing

const (
	DefaultReferenceVoltage = 2.5
	DefaultFullScaleCodes   = 1 << 24
)

type Converter struct {
	FullScaleCodes   int
	ReferenceVoltage float64
}

func DefaultConverter() Converter {
	return Converter{
		FullScaleCodes:   DefaultFullScaleCodes,
		ReferenceVoltage: DefaultReferenceVoltage,
	}
}

func ToVoltage(code uint32, fullScaleCodes int, referenceVoltage float64) float64 {
	return referenceVoltage * float64(code) / float64(fullScaleCodes)
}

// Convert appends the voltage of every code to dst[:0] and returns it, so callers can
// hand back the previous result to avoid allocating per batch.
func (c Converter) Convert(codes []uint32, dst []float64) []float64 {
	dst = dst[:0]
	for _, code := range codes {
		dst = append(dst, ToVoltage(code, c.FullScaleCodes, c.ReferenceVoltage))
	}
	return dst
}
