package simnand

import (
	"bytes"
	"encoding/json"
	"os"

	natomic "github.com/natefinch/atomic"

	"github.com/biscuit-os/eba/attach"
)

// SaveAttachInfo durably persists a scanned or fastmap-built
// attach.AttachInfo to path: a temp file is written alongside path and
// renamed over it, so a crash mid-write never leaves a half-written
// snapshot in place. Used by `ebactl format` to write the initial
// snapshot and by `ebactl shell` to persist its mapping on exit.
func SaveAttachInfo(path string, ai *attach.AttachInfo) error {
	data, err := json.MarshalIndent(ai, "", "  ")
	if err != nil {
		return err
	}
	return natomic.WriteFile(path, bytes.NewReader(data))
}

// LoadAttachInfo reads back a snapshot written by SaveAttachInfo.
func LoadAttachInfo(path string) (*attach.AttachInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ai attach.AttachInfo
	if err := json.Unmarshal(data, &ai); err != nil {
		return nil, err
	}
	return &ai, nil
}
