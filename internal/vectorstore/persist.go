package vectorstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
)

const (
	vectorFileName = "vectors.zst"
	metaFileName   = "meta.json"
	prevFileName   = "vectors.prev.zst"

	vectorMagic   = "AVIX"
	formatVersion = uint16(1)
)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// snapshot is the durable state of an index.
type snapshot struct {
	dim        int
	generation uint64
	nextID     int64
	ids        []int64
	vectors    [][]float32
	meta       []Metadata
}

type metaFile struct {
	Generation uint64              `json:"generation"`
	NextID     int64               `json:"next_id"`
	Dim        int                 `json:"dim"`
	Entries    map[string]Metadata `json:"entries"`
}

// encodeVectors serializes ids and vectors as:
// magic | version u16 | dim u32 | generation u64 | nextID i64 | count u64 | (id i64, dim x f32)*
func encodeVectors(s *snapshot) []byte {
	var buf bytes.Buffer
	buf.Grow(len(vectorMagic) + 30 + len(s.ids)*(8+4*s.dim))

	buf.WriteString(vectorMagic)
	var scratch [8]byte
	binary.LittleEndian.PutUint16(scratch[:2], formatVersion)
	buf.Write(scratch[:2])
	binary.LittleEndian.PutUint32(scratch[:4], uint32(s.dim))
	buf.Write(scratch[:4])
	binary.LittleEndian.PutUint64(scratch[:], s.generation)
	buf.Write(scratch[:])
	binary.LittleEndian.PutUint64(scratch[:], uint64(s.nextID))
	buf.Write(scratch[:])
	binary.LittleEndian.PutUint64(scratch[:], uint64(len(s.ids)))
	buf.Write(scratch[:])

	for i, id := range s.ids {
		binary.LittleEndian.PutUint64(scratch[:], uint64(id))
		buf.Write(scratch[:])
		for _, x := range s.vectors[i] {
			binary.LittleEndian.PutUint32(scratch[:4], math.Float32bits(x))
			buf.Write(scratch[:4])
		}
	}

	return encoder.EncodeAll(buf.Bytes(), nil)
}

func decodeVectors(data []byte) (*snapshot, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress vectors: %v", ErrCorruptIndex, err)
	}
	r := bytes.NewReader(raw)

	magic := make([]byte, len(vectorMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != vectorMagic {
		return nil, fmt.Errorf("%w: bad vector file header", ErrCorruptIndex)
	}

	var hdr struct {
		Version    uint16
		Dim        uint32
		Generation uint64
		NextID     int64
		Count      uint64
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrCorruptIndex, err)
	}
	if hdr.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorruptIndex, hdr.Version)
	}

	dim := int(hdr.Dim)
	entrySize := uint64(8 + 4*dim)
	if hdr.Count*entrySize != uint64(r.Len()) {
		return nil, fmt.Errorf("%w: vector file truncated", ErrCorruptIndex)
	}

	s := &snapshot{
		dim:        dim,
		generation: hdr.Generation,
		nextID:     hdr.NextID,
		ids:        make([]int64, hdr.Count),
		vectors:    make([][]float32, hdr.Count),
	}
	var scratch [8]byte
	for i := range s.ids {
		_, _ = io.ReadFull(r, scratch[:])
		s.ids[i] = int64(binary.LittleEndian.Uint64(scratch[:]))
		vec := make([]float32, dim)
		for j := range vec {
			_, _ = io.ReadFull(r, scratch[:4])
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(scratch[:4]))
		}
		s.vectors[i] = vec
	}
	return s, nil
}

func encodeMeta(s *snapshot) ([]byte, error) {
	mf := metaFile{
		Generation: s.generation,
		NextID:     s.nextID,
		Dim:        s.dim,
		Entries:    make(map[string]Metadata, len(s.ids)),
	}
	for i, id := range s.ids {
		mf.Entries[strconv.FormatInt(id, 10)] = s.meta[i]
	}
	return json.Marshal(mf)
}

// load reads both files from dir. ok is false when neither file exists.
func load(dir string) (s *snapshot, ok bool, err error) {
	vecPath := filepath.Join(dir, vectorFileName)
	metaPath := filepath.Join(dir, metaFileName)

	vecData, vecErr := os.ReadFile(vecPath)
	metaData, metaErr := os.ReadFile(metaPath)

	switch {
	case errors.Is(vecErr, os.ErrNotExist) && errors.Is(metaErr, os.ErrNotExist):
		return nil, false, nil
	case errors.Is(vecErr, os.ErrNotExist) || errors.Is(metaErr, os.ErrNotExist):
		return nil, false, fmt.Errorf("%w: only one of %s and %s exists", ErrCorruptIndex, vectorFileName, metaFileName)
	case vecErr != nil:
		return nil, false, fmt.Errorf("read vectors: %w", vecErr)
	case metaErr != nil:
		return nil, false, fmt.Errorf("read metadata: %w", metaErr)
	}

	s, err = decodeVectors(vecData)
	if err != nil {
		return nil, false, err
	}

	var mf metaFile
	if err := json.Unmarshal(metaData, &mf); err != nil {
		return nil, false, fmt.Errorf("%w: parse metadata: %v", ErrCorruptIndex, err)
	}
	if mf.Generation != s.generation {
		// A commit that stopped between the two renames leaves the
		// previous vectors beside the old metadata.
		prev, prevErr := loadPrev(dir, mf.Generation)
		if prevErr != nil {
			return nil, false, fmt.Errorf("%w: generation mismatch (vectors %d, metadata %d)",
				ErrCorruptIndex, s.generation, mf.Generation)
		}
		if err := os.Rename(filepath.Join(dir, prevFileName), vecPath); err != nil {
			return nil, false, fmt.Errorf("restore previous vectors: %w", err)
		}
		if err := syncDir(dir); err != nil {
			return nil, false, fmt.Errorf("sync directory: %w", err)
		}
		s = prev
	}
	if len(mf.Entries) != len(s.ids) {
		return nil, false, fmt.Errorf("%w: %d vectors but %d metadata records",
			ErrCorruptIndex, len(s.ids), len(mf.Entries))
	}

	s.meta = make([]Metadata, len(s.ids))
	for i, id := range s.ids {
		m, found := mf.Entries[strconv.FormatInt(id, 10)]
		if !found {
			return nil, false, fmt.Errorf("%w: vector %d has no metadata", ErrCorruptIndex, id)
		}
		s.meta[i] = m
	}
	return s, true, nil
}

func loadPrev(dir string, generation uint64) (*snapshot, error) {
	data, err := os.ReadFile(filepath.Join(dir, prevFileName))
	if err != nil {
		return nil, err
	}
	s, err := decodeVectors(data)
	if err != nil {
		return nil, err
	}
	if s.generation != generation {
		return nil, fmt.Errorf("previous vectors are generation %d, want %d", s.generation, generation)
	}
	return s, nil
}

// commit writes s to dir. Both files are staged first and the current
// vector file is kept as prevFileName until the metadata lands. On a
// failure after the vector file is renamed, prev's vector file is
// restored so the pair on disk stays consistent.
func commit(dir string, s, prev *snapshot) error {
	vecBytes := encodeVectors(s)
	metaBytes, err := encodeMeta(s)
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %v", ErrPersist, err)
	}

	vecPath := filepath.Join(dir, vectorFileName)
	metaPath := filepath.Join(dir, metaFileName)

	vecTmp, err := writeTemp(dir, vectorFileName, vecBytes)
	if err != nil {
		return err
	}
	metaTmp, err := writeTemp(dir, metaFileName, metaBytes)
	if err != nil {
		os.Remove(vecTmp)
		return err
	}

	prevPath := filepath.Join(dir, prevFileName)
	if prev != nil {
		if err := keepPrevious(dir, vecPath, prevPath, prev); err != nil {
			os.Remove(vecTmp)
			os.Remove(metaTmp)
			return err
		}
	}

	if err := os.Rename(vecTmp, vecPath); err != nil {
		os.Remove(vecTmp)
		os.Remove(metaTmp)
		return fmt.Errorf("%w: install vectors: %v", ErrPersist, err)
	}
	if err := os.Rename(metaTmp, metaPath); err != nil {
		os.Remove(metaTmp)
		if restoreErr := restoreVectors(dir, vecPath, prev); restoreErr != nil {
			return fmt.Errorf("%w: install metadata: %v (restore failed: %v)", ErrPersist, err, restoreErr)
		}
		return fmt.Errorf("%w: install metadata: %v", ErrPersist, err)
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("%w: sync directory: %v", ErrPersist, err)
	}
	// The new pair is durable; a stale copy would only waste space.
	if err := os.Remove(prevPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove previous vectors: %v", ErrPersist, err)
	}
	return nil
}

// keepPrevious makes prevPath a durable copy of the vectors about to be
// replaced. A hard link is enough; filesystems without links get a fresh
// encoding of prev.
func keepPrevious(dir, vecPath, prevPath string, prev *snapshot) error {
	if err := os.Remove(prevPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: clear previous vectors: %v", ErrPersist, err)
	}
	switch err := os.Link(vecPath, prevPath); {
	case errors.Is(err, os.ErrNotExist):
		// First commit, nothing to keep.
		return nil
	case err != nil:
		tmp, err := writeTemp(dir, prevFileName, encodeVectors(prev))
		if err != nil {
			return err
		}
		if err := os.Rename(tmp, prevPath); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("%w: keep previous vectors: %v", ErrPersist, err)
		}
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("%w: sync directory: %v", ErrPersist, err)
	}
	return nil
}

// syncDir flushes directory entries so completed renames survive a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

func restoreVectors(dir, vecPath string, prev *snapshot) error {
	if prev == nil {
		return os.Remove(vecPath)
	}
	tmp, err := writeTemp(dir, vectorFileName, encodeVectors(prev))
	if err != nil {
		return err
	}
	return os.Rename(tmp, vecPath)
}

func writeTemp(dir, name string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %v", ErrPersist, err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("%w: write %s: %v", ErrPersist, name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("%w: sync %s: %v", ErrPersist, name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: close %s: %v", ErrPersist, name, err)
	}
	return tmp, nil
}
