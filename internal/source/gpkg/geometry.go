package gpkg

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
)

// envelopeSizes maps the header's envelope indicator to the envelope's
// byte length: none, XY, XYZ, XYM, XYZM.
var envelopeSizes = [...]int{0, 32, 48, 48, 64}

const (
	flagByteOrder         = 0x01
	flagEmptyGeometry     = 0x10
	envelopeIndicatorMask = 0x07
)

// DecodeGeometry parses a GeoPackage geometry blob: the "GP" header with
// its optional envelope, followed by the WKB geometry. The returned
// geometry is nil for an empty geometry; the envelope is nil when the
// header carries none.
func DecodeGeometry(blob []byte) (geom.T, []float64, error) {
	if len(blob) < 8 || blob[0] != 'G' || blob[1] != 'P' {
		return nil, nil, fmt.Errorf("not a geopackage geometry blob")
	}
	flags := blob[3]
	var order binary.ByteOrder = binary.BigEndian
	if flags&flagByteOrder != 0 {
		order = binary.LittleEndian
	}
	indicator := int(flags>>1) & envelopeIndicatorMask
	if indicator >= len(envelopeSizes) {
		return nil, nil, fmt.Errorf("invalid envelope indicator %d", indicator)
	}
	headerLen := 8 + envelopeSizes[indicator]
	if len(blob) < headerLen {
		return nil, nil, fmt.Errorf("geometry blob shorter than its header")
	}

	var envelope []float64
	if indicator > 0 {
		// Header order is minx, maxx, miny, maxy.
		vals := make([]float64, 4)
		for i := range vals {
			vals[i] = math.Float64frombits(order.Uint64(blob[8+i*8:]))
		}
		envelope = []float64{vals[0], vals[2], vals[1], vals[3]}
	}

	if flags&flagEmptyGeometry != 0 {
		return nil, envelope, nil
	}
	g, err := wkb.Unmarshal(blob[headerLen:])
	if err != nil {
		return nil, nil, fmt.Errorf("decoding wkb geometry: %w", err)
	}
	return g, envelope, nil
}
