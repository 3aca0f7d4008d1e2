// Package jsp (JSON persistence) provides utilities to store and load
// arbitrary JSON-encoded structures, adapted from the teacher's
// `cmn/jsp` package. The teacher's checksum/compression envelope belongs
// to the underlying storage engine's on-disk layout, which spec.md §1
// names as a non-goal; what survives here is the save-to-temp-then-rename
// durability pattern. Nothing in this repository calls Save or Load;
// `consensus.MemLog` keeps its blobs in memory only.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package jsp

import (
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/shardcore/dbreplica/cmn/cos"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Save JSON-encodes v and durably replaces filepath's contents: writes to
// a sibling temp file first, flushes it, then renames over the target so
// a crash never leaves a half-written file in place.
func Save(filepath string, v interface{}) (err error) {
	tmp := filepath + ".tmp." + cos.GenTie()
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(file)
	if err = enc.Encode(v); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err = file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err = file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, filepath)
}

// Load JSON-decodes filepath's contents into v.
func Load(filepath string, v interface{}) error {
	file, err := os.Open(filepath)
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewDecoder(file).Decode(v)
}
