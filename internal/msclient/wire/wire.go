// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wire hand-encodes the protobuf wire messages exchanged with the
// metadata service (ms_entry, ms_update_list, ms_reply,
// ms_volume_metadata) using google.golang.org/protobuf/encoding/protowire
// directly, rather than checking in generated .proto stubs: the wire
// shapes are small, stable, and this keeps the module's build free of a
// protoc-generation step for four messages (see DESIGN.md).
package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Op identifies the mutation kind of one UpdateEntry.
type Op int32

const (
	OpCreate Op = 1
	OpUpdate Op = 2
	OpDelete Op = 3
	OpMkdir  Op = 4
)

// InodeType mirrors inodemeta.InodeType on the wire.
type InodeType int32

const (
	TypeFile InodeType = 0
	TypeDir  InodeType = 1
)

// Entry is the wire form of an inode descriptor (ms_entry).
type Entry struct {
	FileID      uint64
	ParentID    uint64
	Name        string
	ParentName  string
	Type        InodeType
	Mode        uint32
	Coordinator string
	Owner       string
	Volume      string
	CtimeSec    int64
	CtimeNsec   int32
	MtimeSec    int64
	MtimeNsec   int32
	Version     uint64
	WriteNonce  uint64
	Generation  uint64
	Size        int64
	MaxReadFreshnessMs  int64
	MaxWriteFreshnessMs int64
	// URL is the entry's content-serving URL as asserted by the MS; a
	// gateway resolving its own replies rewrites the entries whose URL
	// names its own content root to a local-FS URL (see resolve.go).
	URL string
}

// Entry field numbers.
const (
	fEntryFileID = iota + 1
	fEntryParentID
	fEntryName
	fEntryParentName
	fEntryType
	fEntryMode
	fEntryCoordinator
	fEntryOwner
	fEntryVolume
	fEntryCtimeSec
	fEntryCtimeNsec
	fEntryMtimeSec
	fEntryMtimeNsec
	fEntryVersion
	fEntryWriteNonce
	fEntryGeneration
	fEntrySize
	fEntryMaxReadFreshnessMs
	fEntryMaxWriteFreshnessMs
	fEntryURL
)

// AppendEntry appends the wire encoding of e to b.
func AppendEntry(b []byte, e Entry) []byte {
	b = protowire.AppendTag(b, fEntryFileID, protowire.VarintType)
	b = protowire.AppendVarint(b, e.FileID)
	b = protowire.AppendTag(b, fEntryParentID, protowire.VarintType)
	b = protowire.AppendVarint(b, e.ParentID)
	b = protowire.AppendTag(b, fEntryName, protowire.BytesType)
	b = protowire.AppendString(b, e.Name)
	b = protowire.AppendTag(b, fEntryParentName, protowire.BytesType)
	b = protowire.AppendString(b, e.ParentName)
	b = protowire.AppendTag(b, fEntryType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Type))
	b = protowire.AppendTag(b, fEntryMode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Mode))
	b = protowire.AppendTag(b, fEntryCoordinator, protowire.BytesType)
	b = protowire.AppendString(b, e.Coordinator)
	b = protowire.AppendTag(b, fEntryOwner, protowire.BytesType)
	b = protowire.AppendString(b, e.Owner)
	b = protowire.AppendTag(b, fEntryVolume, protowire.BytesType)
	b = protowire.AppendString(b, e.Volume)
	b = protowire.AppendTag(b, fEntryCtimeSec, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.CtimeSec))
	b = protowire.AppendTag(b, fEntryCtimeNsec, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.CtimeNsec))
	b = protowire.AppendTag(b, fEntryMtimeSec, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.MtimeSec))
	b = protowire.AppendTag(b, fEntryMtimeNsec, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.MtimeNsec))
	b = protowire.AppendTag(b, fEntryVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Version)
	b = protowire.AppendTag(b, fEntryWriteNonce, protowire.VarintType)
	b = protowire.AppendVarint(b, e.WriteNonce)
	b = protowire.AppendTag(b, fEntryGeneration, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Generation)
	b = protowire.AppendTag(b, fEntrySize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Size))
	b = protowire.AppendTag(b, fEntryMaxReadFreshnessMs, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.MaxReadFreshnessMs))
	b = protowire.AppendTag(b, fEntryMaxWriteFreshnessMs, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.MaxWriteFreshnessMs))
	b = protowire.AppendTag(b, fEntryURL, protowire.BytesType)
	b = protowire.AppendString(b, e.URL)
	return b
}

// ConsumeEntry decodes an Entry from b, returning the number of bytes read.
// A malformed field anywhere in b is surfaced as an error rather than a
// panic: the caller (ultimately a block/manifest or MS-RPC handler) maps
// it to a protocol error, per spec.md ยง7.
func ConsumeEntry(b []byte) (Entry, int, error) {
	var e Entry
	off := 0
	for off < len(b) {
		num, typ, n := protowire.ConsumeTag(b[off:])
		if n < 0 {
			return e, 0, protowire.ParseError(n)
		}
		off += n
		switch num {
		case fEntryFileID:
			v, n, err := consumeVarint(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.FileID = v
			off += n
		case fEntryParentID:
			v, n, err := consumeVarint(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.ParentID = v
			off += n
		case fEntryName:
			v, n, err := consumeBytes(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.Name = string(v)
			off += n
		case fEntryParentName:
			v, n, err := consumeBytes(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.ParentName = string(v)
			off += n
		case fEntryType:
			v, n, err := consumeVarint(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.Type = InodeType(v)
			off += n
		case fEntryMode:
			v, n, err := consumeVarint(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.Mode = uint32(v)
			off += n
		case fEntryCoordinator:
			v, n, err := consumeBytes(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.Coordinator = string(v)
			off += n
		case fEntryOwner:
			v, n, err := consumeBytes(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.Owner = string(v)
			off += n
		case fEntryVolume:
			v, n, err := consumeBytes(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.Volume = string(v)
			off += n
		case fEntryCtimeSec:
			v, n, err := consumeVarint(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.CtimeSec = int64(v)
			off += n
		case fEntryCtimeNsec:
			v, n, err := consumeVarint(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.CtimeNsec = int32(v)
			off += n
		case fEntryMtimeSec:
			v, n, err := consumeVarint(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.MtimeSec = int64(v)
			off += n
		case fEntryMtimeNsec:
			v, n, err := consumeVarint(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.MtimeNsec = int32(v)
			off += n
		case fEntryVersion:
			v, n, err := consumeVarint(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.Version = v
			off += n
		case fEntryWriteNonce:
			v, n, err := consumeVarint(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.WriteNonce = v
			off += n
		case fEntryGeneration:
			v, n, err := consumeVarint(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.Generation = v
			off += n
		case fEntrySize:
			v, n, err := consumeVarint(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.Size = int64(v)
			off += n
		case fEntryMaxReadFreshnessMs:
			v, n, err := consumeVarint(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.MaxReadFreshnessMs = int64(v)
			off += n
		case fEntryMaxWriteFreshnessMs:
			v, n, err := consumeVarint(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.MaxWriteFreshnessMs = int64(v)
			off += n
		case fEntryURL:
			v, n, err := consumeBytes(b[off:])
			if err != nil {
				return e, 0, err
			}
			e.URL = string(v)
			off += n
		default:
			n, err := consumeFieldValue(num, typ, b[off:])
			if err != nil {
				return e, 0, err
			}
			off += n
		}
	}
	return e, off, nil
}

// consumeVarint wraps protowire.ConsumeVarint, turning its negative-n
// malformed-field sentinel into an error instead of requiring callers to
// check n themselves.
func consumeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// consumeBytes wraps protowire.ConsumeBytes the same way.
func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// consumeFieldValue wraps protowire.ConsumeFieldValue the same way, for
// skipping fields this package does not model.
func consumeFieldValue(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

// UpdateEntry is one element of an UpdateList: a single mutation.
type UpdateEntry struct {
	Op          Op
	TimestampMs int64
	Entry       Entry
}

const (
	fUpdateOp = iota + 1
	fUpdateTimestampMs
	fUpdateEntry
)

// AppendUpdateEntry appends the wire encoding of u to b.
func AppendUpdateEntry(b []byte, u UpdateEntry) []byte {
	b = protowire.AppendTag(b, fUpdateOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(u.Op))
	b = protowire.AppendTag(b, fUpdateTimestampMs, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(u.TimestampMs))
	b = protowire.AppendTag(b, fUpdateEntry, protowire.BytesType)
	b = protowire.AppendBytes(b, AppendEntry(nil, u.Entry))
	return b
}

// ConsumeUpdateEntry decodes an UpdateEntry from b.
func ConsumeUpdateEntry(b []byte) (UpdateEntry, int, error) {
	var u UpdateEntry
	off := 0
	for off < len(b) {
		num, typ, n := protowire.ConsumeTag(b[off:])
		if n < 0 {
			return u, 0, protowire.ParseError(n)
		}
		off += n
		switch num {
		case fUpdateOp:
			v, n, err := consumeVarint(b[off:])
			if err != nil {
				return u, 0, err
			}
			u.Op = Op(v)
			off += n
		case fUpdateTimestampMs:
			v, n, err := consumeVarint(b[off:])
			if err != nil {
				return u, 0, err
			}
			u.TimestampMs = int64(v)
			off += n
		case fUpdateEntry:
			v, n, err := consumeBytes(b[off:])
			if err != nil {
				return u, 0, err
			}
			off += n
			entry, _, err := ConsumeEntry(v)
			if err != nil {
				return u, 0, err
			}
			u.Entry = entry
		default:
			n, err := consumeFieldValue(num, typ, b[off:])
			if err != nil {
				return u, 0, err
			}
			off += n
		}
	}
	return u, off, nil
}

const fUpdateListEntries = 1

// AppendUpdateList serializes a batch of UpdateEntry as a repeated field.
func AppendUpdateList(updates []UpdateEntry) []byte {
	var b []byte
	for _, u := range updates {
		b = protowire.AppendTag(b, fUpdateListEntries, protowire.BytesType)
		b = protowire.AppendBytes(b, AppendUpdateEntry(nil, u))
	}
	return b
}

// ConsumeUpdateList decodes a batch of UpdateEntry from b.
func ConsumeUpdateList(b []byte) ([]UpdateEntry, error) {
	var out []UpdateEntry
	off := 0
	for off < len(b) {
		num, typ, n := protowire.ConsumeTag(b[off:])
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		off += n
		if num != fUpdateListEntries || typ != protowire.BytesType {
			n, err := consumeFieldValue(num, typ, b[off:])
			if err != nil {
				return nil, err
			}
			off += n
			continue
		}
		v, n, err := consumeBytes(b[off:])
		if err != nil {
			return nil, err
		}
		off += n
		u, _, err := ConsumeUpdateEntry(v)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// Reply is the wire form of ms_reply: ancestor entries, the resolved node
// (or its children), and a logical error code.
type Reply struct {
	EntriesDir  []Entry
	EntriesBase []Entry
	Error       int32
}

const (
	fReplyEntriesDir = iota + 1
	fReplyEntriesBase
	fReplyError
)

// AppendReply appends the wire encoding of r to b.
func AppendReply(b []byte, r Reply) []byte {
	for _, e := range r.EntriesDir {
		b = protowire.AppendTag(b, fReplyEntriesDir, protowire.BytesType)
		b = protowire.AppendBytes(b, AppendEntry(nil, e))
	}
	for _, e := range r.EntriesBase {
		b = protowire.AppendTag(b, fReplyEntriesBase, protowire.BytesType)
		b = protowire.AppendBytes(b, AppendEntry(nil, e))
	}
	b = protowire.AppendTag(b, fReplyError, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(r.Error)))
	return b
}

// ConsumeReply decodes a Reply from b.
func ConsumeReply(b []byte) (Reply, error) {
	var r Reply
	off := 0
	for off < len(b) {
		num, typ, n := protowire.ConsumeTag(b[off:])
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		off += n
		switch num {
		case fReplyEntriesDir:
			v, n, err := consumeBytes(b[off:])
			if err != nil {
				return r, err
			}
			off += n
			e, _, err := ConsumeEntry(v)
			if err != nil {
				return r, err
			}
			r.EntriesDir = append(r.EntriesDir, e)
		case fReplyEntriesBase:
			v, n, err := consumeBytes(b[off:])
			if err != nil {
				return r, err
			}
			off += n
			e, _, err := ConsumeEntry(v)
			if err != nil {
				return r, err
			}
			r.EntriesBase = append(r.EntriesBase, e)
		case fReplyError:
			v, n, err := consumeVarint(b[off:])
			if err != nil {
				return r, err
			}
			r.Error = int32(uint32(v))
			off += n
		default:
			n, err := consumeFieldValue(num, typ, b[off:])
			if err != nil {
				return r, err
			}
			off += n
		}
	}
	return r, nil
}

// UserCred is one (user, credential) pair in VolumeMetadata.
type UserCred struct {
	User string
	Cred string
}

// VolumeMetadata is the wire form of ms_volume_metadata.
type VolumeMetadata struct {
	Version     uint64
	RequesterID string
	OwnerID     string
	VolumeID    string
	Blocksize   int64
	ReplicaURLs []string
	UserCreds   []UserCred
}

const (
	fVolVersion = iota + 1
	fVolRequesterID
	fVolOwnerID
	fVolVolumeID
	fVolBlocksize
	fVolReplicaURLs
	fVolUserCreds
)

// AppendVolumeMetadata appends the wire encoding of v to b.
func AppendVolumeMetadata(b []byte, v VolumeMetadata) []byte {
	b = protowire.AppendTag(b, fVolVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, v.Version)
	b = protowire.AppendTag(b, fVolRequesterID, protowire.BytesType)
	b = protowire.AppendString(b, v.RequesterID)
	b = protowire.AppendTag(b, fVolOwnerID, protowire.BytesType)
	b = protowire.AppendString(b, v.OwnerID)
	b = protowire.AppendTag(b, fVolVolumeID, protowire.BytesType)
	b = protowire.AppendString(b, v.VolumeID)
	b = protowire.AppendTag(b, fVolBlocksize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.Blocksize))
	for _, u := range v.ReplicaURLs {
		b = protowire.AppendTag(b, fVolReplicaURLs, protowire.BytesType)
		b = protowire.AppendString(b, u)
	}
	for _, c := range v.UserCreds {
		b = protowire.AppendTag(b, fVolUserCreds, protowire.BytesType)
		b = protowire.AppendBytes(b, appendUserCred(nil, c))
	}
	return b
}

func appendUserCred(b []byte, c UserCred) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, c.User)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, c.Cred)
	return b
}

func consumeUserCred(b []byte) (UserCred, error) {
	var c UserCred
	off := 0
	for off < len(b) {
		num, typ, n := protowire.ConsumeTag(b[off:])
		if n < 0 {
			return c, protowire.ParseError(n)
		}
		off += n
		switch num {
		case 1:
			v, n, err := consumeBytes(b[off:])
			if err != nil {
				return c, err
			}
			c.User = string(v)
			off += n
		case 2:
			v, n, err := consumeBytes(b[off:])
			if err != nil {
				return c, err
			}
			c.Cred = string(v)
			off += n
		default:
			n, err := consumeFieldValue(num, typ, b[off:])
			if err != nil {
				return c, err
			}
			off += n
		}
	}
	return c, nil
}

// ConsumeVolumeMetadata decodes a VolumeMetadata from b.
func ConsumeVolumeMetadata(b []byte) (VolumeMetadata, error) {
	var v VolumeMetadata
	off := 0
	for off < len(b) {
		num, typ, n := protowire.ConsumeTag(b[off:])
		if n < 0 {
			return v, protowire.ParseError(n)
		}
		off += n
		switch num {
		case fVolVersion:
			x, n, err := consumeVarint(b[off:])
			if err != nil {
				return v, err
			}
			v.Version = x
			off += n
		case fVolRequesterID:
			x, n, err := consumeBytes(b[off:])
			if err != nil {
				return v, err
			}
			v.RequesterID = string(x)
			off += n
		case fVolOwnerID:
			x, n, err := consumeBytes(b[off:])
			if err != nil {
				return v, err
			}
			v.OwnerID = string(x)
			off += n
		case fVolVolumeID:
			x, n, err := consumeBytes(b[off:])
			if err != nil {
				return v, err
			}
			v.VolumeID = string(x)
			off += n
		case fVolBlocksize:
			x, n, err := consumeVarint(b[off:])
			if err != nil {
				return v, err
			}
			v.Blocksize = int64(x)
			off += n
		case fVolReplicaURLs:
			x, n, err := consumeBytes(b[off:])
			if err != nil {
				return v, err
			}
			v.ReplicaURLs = append(v.ReplicaURLs, string(x))
			off += n
		case fVolUserCreds:
			x, n, err := consumeBytes(b[off:])
			if err != nil {
				return v, err
			}
			off += n
			c, err := consumeUserCred(x)
			if err != nil {
				return v, err
			}
			v.UserCreds = append(v.UserCreds, c)
		default:
			n, err := consumeFieldValue(num, typ, b[off:])
			if err != nil {
				return v, err
			}
			off += n
		}
	}
	return v, nil
}
