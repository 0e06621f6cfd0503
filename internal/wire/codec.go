package wire

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/atlas-desktop/quotefeed/pkg/types"
)

// Format names the payload encoding carried in a bulk body, always the
// last argument of a command.
type Format string

const (
	FormatJSON  Format = "json"
	FormatNpy   Format = "npy"
	FormatZip   Format = "zip"
	FormatPlain Format = "plain"
)

// EncodeJSON marshals v as UTF-8 JSON text.
func EncodeJSON(v any) ([]byte, error) { return json.Marshal(v) }

// DecodeJSON unmarshals JSON text into v.
func DecodeJSON(data []byte, v any) error { return json.Unmarshal(data, v) }

// DecodeZip inflates an RFC 1950 (zlib) compressed blob. The decompressed
// payload is itself either a JSON document or a marshaled key->map
// structure, per put_ticks.
func DecodeZip(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("wire: zlib open: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("wire: zlib read: %w", err)
	}
	return out, nil
}

// EncodeZip deflates data with RFC 1950 (zlib) framing.
func EncodeZip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, fmt.Errorf("wire: zlib write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("wire: zlib close: %w", err)
	}
	return buf.Bytes(), nil
}

// npy dtype tags, identifying which row type a blob holds.
const (
	dtypeOHLC       byte = 1
	dtypeMinuteSnap byte = 2
	dtypeDividend   byte = 3
)

const npyMagic = "NPY1"
const npyHeaderLen = len(npyMagic) + 1 + 4 // magic + dtype + uint32 row count

func npyHeader(dtype byte, count int) []byte {
	h := make([]byte, npyHeaderLen)
	copy(h, npyMagic)
	h[len(npyMagic)] = dtype
	putUint32(h[len(npyMagic)+1:], uint32(count))
	return h
}

func parseNpyHeader(data []byte, wantDType byte) (count int, body []byte, err error) {
	if len(data) < npyHeaderLen {
		return 0, nil, fmt.Errorf("wire: npy blob too short")
	}
	if string(data[:len(npyMagic)]) != npyMagic {
		return 0, nil, fmt.Errorf("wire: bad npy magic")
	}
	dtype := data[len(npyMagic)]
	if dtype != wantDType {
		return 0, nil, fmt.Errorf("wire: npy dtype %d does not match expected %d", dtype, wantDType)
	}
	count = int(getUint32(data[len(npyMagic)+1 : npyHeaderLen]))
	return count, data[npyHeaderLen:], nil
}

func putUint32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putFloat32(b []byte, v float32) { putUint32(b, math.Float32bits(v)) }
func getFloat32(b []byte) float32    { return math.Float32frombits(getUint32(b)) }

const (
	npyOHLCRowSize   = 28
	npyMinuteRowSize = 16
	npyDivRowSize    = 20
)

// EncodeNpyOHLC serializes OHLC rows in the self-describing npy format.
func EncodeNpyOHLC(rows []types.OHLC) []byte {
	out := npyHeader(dtypeOHLC, len(rows))
	for _, r := range rows {
		row := make([]byte, npyOHLCRowSize)
		putUint32(row[0:4], uint32(int32(r.Time)))
		putFloat32(row[4:8], r.Open)
		putFloat32(row[8:12], r.High)
		putFloat32(row[12:16], r.Low)
		putFloat32(row[16:20], r.Close)
		putFloat32(row[20:24], r.Volume)
		putFloat32(row[24:28], r.Amount)
		out = append(out, row...)
	}
	return out
}

// DecodeNpyOHLC parses an npy blob of OHLC rows.
func DecodeNpyOHLC(data []byte) ([]types.OHLC, error) {
	count, body, err := parseNpyHeader(data, dtypeOHLC)
	if err != nil {
		return nil, err
	}
	if len(body) < count*npyOHLCRowSize {
		return nil, fmt.Errorf("wire: npy OHLC body truncated")
	}
	rows := make([]types.OHLC, count)
	for i := range rows {
		row := body[i*npyOHLCRowSize : (i+1)*npyOHLCRowSize]
		rows[i] = types.OHLC{
			Time:   int64(int32(getUint32(row[0:4]))),
			Open:   getFloat32(row[4:8]),
			High:   getFloat32(row[8:12]),
			Low:    getFloat32(row[12:16]),
			Close:  getFloat32(row[16:20]),
			Volume: getFloat32(row[20:24]),
			Amount: getFloat32(row[24:28]),
		}
	}
	return rows, nil
}

// EncodeNpyMinuteSnap serializes MinuteSnap rows in the npy format.
func EncodeNpyMinuteSnap(rows []types.MinuteSnap) []byte {
	out := npyHeader(dtypeMinuteSnap, len(rows))
	for _, r := range rows {
		row := make([]byte, npyMinuteRowSize)
		putUint32(row[0:4], uint32(int32(r.Time)))
		putFloat32(row[4:8], r.Price)
		putFloat32(row[8:12], r.Volume)
		putFloat32(row[12:16], r.Amount)
		out = append(out, row...)
	}
	return out
}

// DecodeNpyMinuteSnap parses an npy blob of MinuteSnap rows.
func DecodeNpyMinuteSnap(data []byte) ([]types.MinuteSnap, error) {
	count, body, err := parseNpyHeader(data, dtypeMinuteSnap)
	if err != nil {
		return nil, err
	}
	if len(body) < count*npyMinuteRowSize {
		return nil, fmt.Errorf("wire: npy MinuteSnap body truncated")
	}
	rows := make([]types.MinuteSnap, count)
	for i := range rows {
		row := body[i*npyMinuteRowSize : (i+1)*npyMinuteRowSize]
		rows[i] = types.MinuteSnap{
			Time:   int64(int32(getUint32(row[0:4]))),
			Price:  getFloat32(row[4:8]),
			Volume: getFloat32(row[8:12]),
			Amount: getFloat32(row[12:16]),
		}
	}
	return rows, nil
}

// EncodeNpyDividend serializes Dividend rows in the npy format.
func EncodeNpyDividend(rows []types.Dividend) []byte {
	out := npyHeader(dtypeDividend, len(rows))
	for _, r := range rows {
		row := make([]byte, npyDivRowSize)
		putUint32(row[0:4], uint32(int32(r.Time)))
		putFloat32(row[4:8], r.Split)
		putFloat32(row[8:12], r.Purchase)
		putFloat32(row[12:16], r.PurchasePrice)
		putFloat32(row[16:20], r.Dividend)
		out = append(out, row...)
	}
	return out
}

// DecodeNpyDividend parses an npy blob of Dividend rows.
func DecodeNpyDividend(data []byte) ([]types.Dividend, error) {
	count, body, err := parseNpyHeader(data, dtypeDividend)
	if err != nil {
		return nil, err
	}
	if len(body) < count*npyDivRowSize {
		return nil, fmt.Errorf("wire: npy Dividend body truncated")
	}
	rows := make([]types.Dividend, count)
	for i := range rows {
		row := body[i*npyDivRowSize : (i+1)*npyDivRowSize]
		rows[i] = types.Dividend{
			Time:          int64(int32(getUint32(row[0:4]))),
			Split:         getFloat32(row[4:8]),
			Purchase:      getFloat32(row[8:12]),
			PurchasePrice: getFloat32(row[12:16]),
			Dividend:      getFloat32(row[16:20]),
		}
	}
	return rows, nil
}
