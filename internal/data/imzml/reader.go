package imzml

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// ibd files start with a 16-byte UUID matching the one in the XML index.
const ibdHeaderSize = 16

type arrayFormat int

const (
	formatFloat64 arrayFormat = iota
	formatFloat32
)

// arrayRef locates one binary array inside the .ibd file.
type arrayRef struct {
	offset        int64
	arrayLength   int
	encodedLength int
	format        arrayFormat
	zlib          bool
}

// pixelRecord is the parsed index entry for one pixel's spectrum.
type pixelRecord struct {
	x, y, z   int
	mz        arrayRef
	intensity arrayRef
}

// Metadata describes the dataset as declared in the imzML index.
type Metadata struct {
	SourcePath    string `json:"source_path"`
	Mode          string `json:"mode"` // "continuous" or "processed"
	SpectrumCount int    `json:"spectrum_count"`
	PixelsX       int    `json:"pixels_x"`
	PixelsY       int    `json:"pixels_y"`
}

// Reader provides indexed access to the pixels of one imzML dataset.
type Reader struct {
	meta   Metadata
	pixels []pixelRecord
	ibd    *os.File
}

// NewReader parses the imzML index at path and opens the companion .ibd file.
func NewReader(path string) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read imzML index: %w", err)
	}

	var content imzMLContent
	if err := xml.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("failed to parse imzML index: %w", err)
	}

	groups := make(map[string]referenceableParamGroup, len(content.ReferenceableParamGroupList.Groups))
	for _, g := range content.ReferenceableParamGroupList.Groups {
		groups[g.ID] = g
	}

	r := &Reader{
		meta: Metadata{
			SourcePath:    path,
			Mode:          fileMode(content.FileDescription.FileContent.CvPar),
			SpectrumCount: len(content.Run.SpectrumList.Spectrum),
		},
	}
	r.meta.PixelsX, r.meta.PixelsY = gridSize(content.ScanSettingsList)

	r.pixels = make([]pixelRecord, 0, len(content.Run.SpectrumList.Spectrum))
	for i, sp := range content.Run.SpectrumList.Spectrum {
		rec, err := parseSpectrumRecord(sp, groups)
		if err != nil {
			return nil, fmt.Errorf("spectrum %d: %w", i, err)
		}
		r.pixels = append(r.pixels, rec)
	}

	ibdPath := ibdPathFor(path)
	ibd, err := os.Open(ibdPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open ibd file %s: %w", ibdPath, err)
	}
	info, err := ibd.Stat()
	if err != nil {
		ibd.Close()
		return nil, fmt.Errorf("failed to stat ibd file: %w", err)
	}
	if info.Size() < ibdHeaderSize {
		ibd.Close()
		return nil, fmt.Errorf("ibd file %s too short for UUID header (%d bytes)", ibdPath, info.Size())
	}
	r.ibd = ibd

	return r, nil
}

// ibdPathFor maps an index path to its binary companion, preserving the
// extension's case (Foo.imzML -> Foo.ibd, foo.imzml -> foo.ibd).
func ibdPathFor(imzmlPath string) string {
	lower := strings.ToLower(imzmlPath)
	if strings.HasSuffix(lower, ".imzml") {
		return imzmlPath[:len(imzmlPath)-len(".imzml")] + ".ibd"
	}
	return imzmlPath + ".ibd"
}

func fileMode(params []cvParam) string {
	switch {
	case hasParam(params, cvContinuous):
		return "continuous"
	case hasParam(params, cvProcessed):
		return "processed"
	default:
		return ""
	}
}

func gridSize(settings scanSettingsList) (int, int) {
	for _, s := range settings.ScanSettings {
		x, okX := intParam(s.CvPar, cvMaxPixelsX)
		y, okY := intParam(s.CvPar, cvMaxPixelsY)
		if okX && okY {
			return x, y
		}
	}
	return 0, 0
}

func intParam(params []cvParam, accession string) (int, bool) {
	raw, ok := findParam(params, accession)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseSpectrumRecord(sp spectrum, groups map[string]referenceableParamGroup) (pixelRecord, error) {
	var rec pixelRecord

	found := false
	for _, scan := range sp.ScanList.Scan {
		x, okX := intParam(scan.CvPar, cvPositionX)
		y, okY := intParam(scan.CvPar, cvPositionY)
		if okX && okY {
			rec.x, rec.y = x, y
			rec.z, _ = intParam(scan.CvPar, cvPositionZ)
			found = true
			break
		}
	}
	if !found {
		return rec, errors.New("missing pixel position")
	}

	haveMz := false
	haveIntensity := false
	for _, bda := range sp.BinaryDataArrayList.BinaryDataArray {
		// Array kind, data type and compression may come from a referenced
		// param group or from inline cvParams.
		params := make([]cvParam, 0, len(bda.CvPar)+4)
		for _, ref := range bda.GroupRefs {
			if g, ok := groups[ref.Ref]; ok {
				params = append(params, g.CvPar...)
			}
		}
		params = append(params, bda.CvPar...)

		ref, err := parseArrayRef(params, bda.EncodedLength)
		if err != nil {
			return rec, err
		}

		switch {
		case hasParam(params, cvMzArray):
			rec.mz = ref
			haveMz = true
		case hasParam(params, cvIntensityArray):
			rec.intensity = ref
			haveIntensity = true
		}
	}
	if !haveMz || !haveIntensity {
		return rec, errors.New("missing m/z or intensity array")
	}

	return rec, nil
}

func parseArrayRef(params []cvParam, encodedLengthAttr int) (arrayRef, error) {
	var ref arrayRef

	offset, ok := findParam(params, cvExternalOffset)
	if !ok {
		return ref, errors.New("missing external offset")
	}
	off, err := strconv.ParseInt(strings.TrimSpace(offset), 10, 64)
	if err != nil {
		return ref, fmt.Errorf("invalid external offset %q: %w", offset, err)
	}
	ref.offset = off

	ref.arrayLength, ok = intParam(params, cvExternalArrayLength)
	if !ok {
		return ref, errors.New("missing external array length")
	}

	ref.encodedLength, ok = intParam(params, cvExternalEncodedLength)
	if !ok {
		ref.encodedLength = encodedLengthAttr
	}

	switch {
	case hasParam(params, cvFloat64):
		ref.format = formatFloat64
	case hasParam(params, cvFloat32):
		ref.format = formatFloat32
	default:
		return ref, errors.New("unsupported binary data type (expected 32-bit or 64-bit float)")
	}

	ref.zlib = hasParam(params, cvZlib)
	if ref.encodedLength == 0 {
		size := 8
		if ref.format == formatFloat32 {
			size = 4
		}
		if ref.zlib {
			return ref, errors.New("missing encoded length for zlib-compressed array")
		}
		ref.encodedLength = ref.arrayLength * size
	}

	return ref, nil
}

// Metadata returns the dataset metadata.
func (r *Reader) Metadata() Metadata {
	return r.meta
}

// PixelCount returns the number of pixels (spectra) in the dataset.
func (r *Reader) PixelCount() int {
	return len(r.pixels)
}

// CoordinateAt returns the spatial position of pixel i.
func (r *Reader) CoordinateAt(i int) (int, int, error) {
	if i < 0 || i >= len(r.pixels) {
		return 0, 0, fmt.Errorf("pixel index out of range: %d (count=%d)", i, len(r.pixels))
	}
	return r.pixels[i].x, r.pixels[i].y, nil
}

// SpectrumAt reads and decodes the m/z and intensity arrays for pixel i.
// The two slices have equal length.
func (r *Reader) SpectrumAt(i int) ([]float64, []float64, error) {
	if i < 0 || i >= len(r.pixels) {
		return nil, nil, fmt.Errorf("pixel index out of range: %d (count=%d)", i, len(r.pixels))
	}
	rec := r.pixels[i]

	mzs, err := r.readArray(rec.mz)
	if err != nil {
		return nil, nil, fmt.Errorf("pixel %d m/z array: %w", i, err)
	}
	intensities, err := r.readArray(rec.intensity)
	if err != nil {
		return nil, nil, fmt.Errorf("pixel %d intensity array: %w", i, err)
	}
	if len(mzs) != len(intensities) {
		return nil, nil, fmt.Errorf("pixel %d array length mismatch: %d m/z vs %d intensity values", i, len(mzs), len(intensities))
	}

	return mzs, intensities, nil
}

func (r *Reader) readArray(ref arrayRef) ([]float64, error) {
	raw := make([]byte, ref.encodedLength)
	if _, err := r.ibd.ReadAt(raw, ref.offset); err != nil {
		return nil, fmt.Errorf("read %d bytes at offset %d: %w", ref.encodedLength, ref.offset, err)
	}

	elemSize := 8
	if ref.format == formatFloat32 {
		elemSize = 4
	}
	want := ref.arrayLength * elemSize

	if ref.zlib {
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("zlib init: %w", err)
		}
		defer zr.Close()

		decoded := make([]byte, want)
		if _, err := io.ReadFull(zr, decoded); err != nil {
			return nil, fmt.Errorf("zlib decompress: %w", err)
		}
		raw = decoded
	} else if len(raw) < want {
		return nil, fmt.Errorf("array truncated: got %d bytes, expected %d", len(raw), want)
	}

	out := make([]float64, ref.arrayLength)
	switch ref.format {
	case formatFloat64:
		for j := range out {
			bits := binary.LittleEndian.Uint64(raw[j*8:])
			out[j] = math.Float64frombits(bits)
		}
	case formatFloat32:
		for j := range out {
			bits := binary.LittleEndian.Uint32(raw[j*4:])
			out[j] = float64(math.Float32frombits(bits))
		}
	}

	return out, nil
}

// Close releases the ibd file handle.
func (r *Reader) Close() error {
	if r.ibd != nil {
		return r.ibd.Close()
	}
	return nil
}
