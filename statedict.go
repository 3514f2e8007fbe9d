package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ===========================================================================
// Model Serialization
// ===========================================================================
//
// Simple binary checkpoint format for model weights.
//
// Format:
//   1. uint32 header length (little-endian)
//   2. JSON header: run metadata plus the entry list (name + shape per
//      tensor)
//   3. Raw float64 tensor payloads, in header order, little-endian
//
// Unlike a positional dump, every tensor travels under its checkpoint name
// (conv1.weight, layer2.0.downsample.1.bias, ...). That is what makes
// partial loads work: pretrained backbone weights can be intersected with
// a model that has a different head, and the leftover keys reported
// instead of silently misaligned.
//
// This is a naive format - just named tensor dumps. Production systems
// would use SafeTensors or GGUF. For a trainer that owns both ends of the
// pipe, simple and inspectable wins.
// ===========================================================================

const checkpointFormat = "local-image-model/v1"

// Header size guard. A legitimate header is a few hundred KB at most even
// for resnet101; anything bigger means the file is not ours.
const maxHeaderLen = 16 << 20

// StateDict is an ordered name-to-tensor mapping. Order is insertion
// order, which for models built here is the checkpoint layout order.
type StateDict struct {
	keys    []string
	entries map[string]*Tensor
}

// NewStateDict creates an empty state dict.
func NewStateDict() *StateDict {
	return &StateDict{entries: make(map[string]*Tensor)}
}

// Put adds a named tensor. Duplicate names are programmer bugs.
func (sd *StateDict) Put(name string, t *Tensor) {
	if _, exists := sd.entries[name]; exists {
		panic(fmt.Sprintf("statedict: duplicate key %q", name))
	}
	sd.keys = append(sd.keys, name)
	sd.entries[name] = t
}

// Get returns the tensor stored under name.
func (sd *StateDict) Get(name string) (*Tensor, bool) {
	t, ok := sd.entries[name]
	return t, ok
}

// Keys returns the names in insertion order.
func (sd *StateDict) Keys() []string {
	return sd.keys
}

// Len returns the number of entries.
func (sd *StateDict) Len() int {
	return len(sd.keys)
}

// FilterStateDict returns the entries of sd whose names also exist in
// reference, plus the list of dropped names. This is the intersection step
// of a pretrained load: reference is the target model's own state dict,
// sd the checkpoint being loaded.
func FilterStateDict(sd, reference *StateDict) (*StateDict, []string) {
	kept := NewStateDict()
	var dropped []string
	for _, name := range sd.keys {
		if _, ok := reference.entries[name]; ok {
			kept.Put(name, sd.entries[name])
		} else {
			dropped = append(dropped, name)
		}
	}
	return kept, dropped
}

// LoadReport lists the keys a non-strict load could not match.
type LoadReport struct {
	Missing    []string // in the model, absent from the checkpoint
	Unexpected []string // in the checkpoint, absent from the model
}

// loadStateDict copies matching entries of sd into the tensors produced by
// walk, which visits a model's state tensors by checkpoint name.
//
// In strict mode every model tensor must be present in sd and every sd
// entry must land somewhere. In non-strict mode missing entries leave the
// current values untouched and extra entries are ignored; both are
// reported. A shape mismatch is always an error. scope names the model in
// error messages.
func loadStateDict(sd *StateDict, strict bool, scope string, walk func(visit func(name string, t *Tensor))) (*LoadReport, error) {
	report := &LoadReport{}
	used := make(map[string]bool, sd.Len())

	var loadErr error
	walk(func(name string, t *Tensor) {
		if loadErr != nil {
			return
		}
		src, ok := sd.Get(name)
		if !ok {
			report.Missing = append(report.Missing, name)
			return
		}
		used[name] = true
		if !shapeEqual(src.shape, t.shape) {
			loadErr = fmt.Errorf("%s: shape mismatch for %q: checkpoint %v, model %v",
				scope, name, src.shape, t.shape)
			return
		}
		copy(t.data, src.data)
	})
	if loadErr != nil {
		return nil, loadErr
	}

	for _, name := range sd.Keys() {
		if !used[name] {
			report.Unexpected = append(report.Unexpected, name)
		}
	}

	if strict && (len(report.Missing) > 0 || len(report.Unexpected) > 0) {
		return nil, fmt.Errorf("%s: strict load failed: %d missing, %d unexpected keys",
			scope, len(report.Missing), len(report.Unexpected))
	}
	return report, nil
}

// CheckpointMeta is the run metadata carried in the checkpoint header.
// Enough to rebuild the model for evaluation and to label its outputs.
type CheckpointMeta struct {
	Arch      string   `json:"arch"`
	Classes   []string `json:"classes"`
	MixLayers []string `json:"mix_layers,omitempty"`
	MixP      float64  `json:"mix_p,omitempty"`
	MixAlpha  float64  `json:"mix_alpha,omitempty"`
	DropoutP  float64  `json:"dropout_p,omitempty"`
	FreezeBN  bool     `json:"freeze_bn,omitempty"`
	Epoch     int      `json:"epoch"`
	ValAcc    float64  `json:"val_acc"`
}

type checkpointHeader struct {
	Format  string            `json:"format"`
	Meta    CheckpointMeta    `json:"meta"`
	Entries []checkpointEntry `json:"entries"`
}

type checkpointEntry struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// SaveCheckpoint writes meta and sd to path. The write goes to a temp file
// first and is renamed into place, so a crash mid-write never leaves a
// truncated checkpoint where the resume logic will find it.
func SaveCheckpoint(path string, meta CheckpointMeta, sd *StateDict) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("checkpoint: creating %s: %w", tmp, err)
	}
	defer f.Close()
	defer os.Remove(tmp)

	header := checkpointHeader{
		Format: checkpointFormat,
		Meta:   meta,
	}
	for _, name := range sd.keys {
		header.Entries = append(header.Entries, checkpointEntry{
			Name:  name,
			Shape: sd.entries[name].Shape(),
		})
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("checkpoint: marshaling header: %w", err)
	}

	w := bufio.NewWriterSize(f, 1<<20)

	if err := binary.Write(w, binary.LittleEndian, uint32(len(headerJSON))); err != nil {
		return fmt.Errorf("checkpoint: writing header length: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("checkpoint: writing header: %w", err)
	}

	for _, name := range sd.keys {
		if err := binary.Write(w, binary.LittleEndian, sd.entries[name].data); err != nil {
			return fmt.Errorf("checkpoint: writing tensor %q: %w", name, err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("checkpoint: flushing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("checkpoint: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: renaming into place: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint.
func LoadCheckpoint(path string) (CheckpointMeta, *StateDict, error) {
	var meta CheckpointMeta

	f, err := os.Open(path)
	if err != nil {
		return meta, nil, fmt.Errorf("checkpoint: opening %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)

	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return meta, nil, fmt.Errorf("checkpoint: reading header length: %w", err)
	}
	if headerLen == 0 || headerLen > maxHeaderLen {
		return meta, nil, fmt.Errorf("checkpoint: implausible header length %d in %s", headerLen, path)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return meta, nil, fmt.Errorf("checkpoint: reading header: %w", err)
	}

	var header checkpointHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return meta, nil, fmt.Errorf("checkpoint: parsing header: %w", err)
	}
	if header.Format != checkpointFormat {
		return meta, nil, fmt.Errorf("checkpoint: %s has format %q, want %q", path, header.Format, checkpointFormat)
	}

	sd := NewStateDict()
	for _, entry := range header.Entries {
		t := NewTensor(entry.Shape...)
		if err := binary.Read(r, binary.LittleEndian, t.data); err != nil {
			return meta, nil, fmt.Errorf("checkpoint: reading tensor %q: %w", entry.Name, err)
		}
		sd.Put(entry.Name, t)
	}

	return header.Meta, sd, nil
}

// CopyFile copies src to dst byte for byte, used to promote the latest
// checkpoint to the best one.
func CopyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copying %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("copying to %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return out.Close()
}
