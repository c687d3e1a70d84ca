package recorder

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/stereo-recorder/internal/stereo"
)

// Record field numbers. Records are protobuf wire-format messages written
// without generated code so the log stays readable with protoc --decode_raw.
const (
	fieldKind      protowire.Number = 1
	fieldTimestamp protowire.Number = 2

	// events: packed zig-zag timestamp deltas, packed x, packed y, one byte
	// per polarity.
	fieldEventTs  protowire.Number = 3
	fieldEventX   protowire.Number = 4
	fieldEventY   protowire.Number = 5
	fieldEventPol protowire.Number = 6

	fieldFrameWidth  protowire.Number = 7
	fieldFrameHeight protowire.Number = 8
	fieldFramePixels protowire.Number = 9

	fieldAuxSample protowire.Number = 10

	fieldSampleTs     protowire.Number = 1
	fieldSampleValues protowire.Number = 2
)

var errMalformed = errors.New("malformed record")

// encodeBatch serialises b and returns the record bytes and the timestamp
// used for the seek index.
func encodeBatch(b stereo.Batch) ([]byte, int64, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(b.Kind()))

	switch v := b.(type) {
	case *stereo.EventBatch:
		first, _, _ := v.TimeRange()
		buf = appendTimestamp(buf, first)
		return appendEvents(buf, v.Events()), first, nil

	case *stereo.FrameBatch:
		buf = appendTimestamp(buf, v.Timestamp)
		buf = protowire.AppendTag(buf, fieldFrameWidth, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(v.Width))
		buf = protowire.AppendTag(buf, fieldFrameHeight, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(v.Height))
		buf = protowire.AppendTag(buf, fieldFramePixels, protowire.BytesType)
		buf = protowire.AppendBytes(buf, v.Pixels)
		return buf, v.Timestamp, nil

	case *stereo.AuxBatch:
		var first int64
		if len(v.Samples) > 0 {
			first = v.Samples[0].Timestamp
		}
		buf = appendTimestamp(buf, first)
		for _, s := range v.Samples {
			buf = protowire.AppendTag(buf, fieldAuxSample, protowire.BytesType)
			buf = protowire.AppendBytes(buf, encodeSample(s))
		}
		return buf, first, nil
	}
	return nil, 0, fmt.Errorf("unsupported batch type %T", b)
}

func appendTimestamp(buf []byte, ts int64) []byte {
	buf = protowire.AppendTag(buf, fieldTimestamp, protowire.VarintType)
	return protowire.AppendVarint(buf, protowire.EncodeZigZag(ts))
}

func appendEvents(buf []byte, events []stereo.Event) []byte {
	if len(events) == 0 {
		return buf
	}
	var ts, xs, ys []byte
	pol := make([]byte, len(events))
	prev := int64(0)
	for i, e := range events {
		ts = protowire.AppendVarint(ts, protowire.EncodeZigZag(e.Timestamp-prev))
		prev = e.Timestamp
		xs = protowire.AppendVarint(xs, protowire.EncodeZigZag(int64(e.X)))
		ys = protowire.AppendVarint(ys, protowire.EncodeZigZag(int64(e.Y)))
		if e.Polarity {
			pol[i] = 1
		}
	}
	buf = protowire.AppendTag(buf, fieldEventTs, protowire.BytesType)
	buf = protowire.AppendBytes(buf, ts)
	buf = protowire.AppendTag(buf, fieldEventX, protowire.BytesType)
	buf = protowire.AppendBytes(buf, xs)
	buf = protowire.AppendTag(buf, fieldEventY, protowire.BytesType)
	buf = protowire.AppendBytes(buf, ys)
	buf = protowire.AppendTag(buf, fieldEventPol, protowire.BytesType)
	return protowire.AppendBytes(buf, pol)
}

func encodeSample(s stereo.AuxSample) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldSampleTs, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(s.Timestamp))
	if len(s.Values) > 0 {
		packed := make([]byte, 0, 4*len(s.Values))
		for _, f := range s.Values {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		buf = protowire.AppendTag(buf, fieldSampleValues, protowire.BytesType)
		buf = protowire.AppendBytes(buf, packed)
	}
	return buf
}

// decodeBatch parses a record produced by encodeBatch.
func decodeBatch(data []byte) (stereo.Batch, error) {
	var (
		kind                stereo.BatchKind
		ts                  int64
		evTs, evX, evY, pol []byte
		width, height       uint64
		pixels              []byte
		samples             []stereo.AuxSample
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", errMalformed, num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldKind:
				kind = stereo.BatchKind(v)
			case fieldTimestamp:
				ts = protowire.DecodeZigZag(v)
			case fieldFrameWidth:
				width = v
			case fieldFrameHeight:
				height = v
			}

		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", errMalformed, num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldEventTs:
				evTs = v
			case fieldEventX:
				evX = v
			case fieldEventY:
				evY = v
			case fieldEventPol:
				pol = v
			case fieldFramePixels:
				pixels = append([]byte(nil), v...)
			case fieldAuxSample:
				s, err := decodeSample(v)
				if err != nil {
					return nil, err
				}
				samples = append(samples, s)
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", errMalformed, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	switch kind {
	case stereo.KindEvents:
		events, err := decodeEvents(evTs, evX, evY, pol)
		if err != nil {
			return nil, err
		}
		return stereo.NewEventBatch(events), nil
	case stereo.KindFrame:
		return &stereo.FrameBatch{Timestamp: ts, Width: int(width), Height: int(height), Pixels: pixels}, nil
	case stereo.KindIMU, stereo.KindTrigger:
		return &stereo.AuxBatch{Type: kind, Samples: samples}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %d", errMalformed, kind)
}

func decodeEvents(ts, xs, ys, pol []byte) ([]stereo.Event, error) {
	if len(pol) == 0 {
		return nil, nil
	}
	events := make([]stereo.Event, len(pol))
	prev := int64(0)
	for i := range events {
		d, n := protowire.ConsumeVarint(ts)
		if n < 0 {
			return nil, fmt.Errorf("%w: event %d timestamp", errMalformed, i)
		}
		ts = ts[n:]
		x, n := protowire.ConsumeVarint(xs)
		if n < 0 {
			return nil, fmt.Errorf("%w: event %d x", errMalformed, i)
		}
		xs = xs[n:]
		y, n := protowire.ConsumeVarint(ys)
		if n < 0 {
			return nil, fmt.Errorf("%w: event %d y", errMalformed, i)
		}
		ys = ys[n:]

		prev += protowire.DecodeZigZag(d)
		events[i] = stereo.Event{
			Timestamp: prev,
			X:         int16(protowire.DecodeZigZag(x)),
			Y:         int16(protowire.DecodeZigZag(y)),
			Polarity:  pol[i] != 0,
		}
	}
	return events, nil
}

func decodeSample(data []byte) (stereo.AuxSample, error) {
	var s stereo.AuxSample
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return s, fmt.Errorf("%w: sample tag", errMalformed)
		}
		data = data[n:]
		switch {
		case num == fieldSampleTs && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return s, fmt.Errorf("%w: sample timestamp", errMalformed)
			}
			data = data[n:]
			s.Timestamp = protowire.DecodeZigZag(v)
		case num == fieldSampleValues && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 || len(v)%4 != 0 {
				return s, fmt.Errorf("%w: sample values", errMalformed)
			}
			data = data[n:]
			s.Values = make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed32(v)
				v = v[m:]
				s.Values = append(s.Values, math.Float32frombits(bits))
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return s, fmt.Errorf("%w: sample field %d", errMalformed, num)
			}
			data = data[n:]
		}
	}
	return s, nil
}
