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

package requestengine

import (
	"fmt"
	"strconv"
	"strings"
)

// parsedRequest is the decoded form of the block/manifest URL grammar of
// spec.md §6:
//
//	/<fs_path>.<file_version>/<block_id>.<block_version>   (block request)
//	/<fs_path>.manifest.<sec>.<nsec>                       (manifest request)
type parsedRequest struct {
	FsPath      string
	IsManifest  bool
	FileVersion uint64

	BlockID      uint64
	BlockVersion uint64

	ManifestSec  int64
	ManifestNsec int64
}

// parseRequestPath decodes an incoming request's URL path into its
// filesystem path and request-kind-specific components.
func parseRequestPath(path string) (parsedRequest, error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return parsedRequest{}, fmt.Errorf("requestengine: empty request path")
	}
	segments := strings.Split(trimmed, "/")
	last := segments[len(segments)-1]

	if idx := strings.Index(last, ".manifest."); idx >= 0 {
		return parseManifestRequest(segments, last, idx)
	}
	return parseBlockRequest(segments, last)
}

func parseManifestRequest(segments []string, last string, manifestIdx int) (parsedRequest, error) {
	name := last[:manifestIdx]
	rest := last[manifestIdx+len(".manifest."):]
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 {
		return parsedRequest{}, fmt.Errorf("requestengine: malformed manifest suffix %q", last)
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return parsedRequest{}, fmt.Errorf("requestengine: malformed manifest sec %q: %w", parts[0], err)
	}
	nsec, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return parsedRequest{}, fmt.Errorf("requestengine: malformed manifest nsec %q: %w", parts[1], err)
	}

	fsSegments := append(append([]string{}, segments[:len(segments)-1]...), name)
	return parsedRequest{
		FsPath:       "/" + strings.Join(fsSegments, "/"),
		IsManifest:   true,
		ManifestSec:  sec,
		ManifestNsec: nsec,
	}, nil
}

func parseBlockRequest(segments []string, last string) (parsedRequest, error) {
	if len(segments) < 2 {
		return parsedRequest{}, fmt.Errorf("requestengine: block request path too short: %q", last)
	}
	blockParts := strings.SplitN(last, ".", 2)
	if len(blockParts) != 2 {
		return parsedRequest{}, fmt.Errorf("requestengine: malformed block suffix %q", last)
	}
	blockID, err := strconv.ParseUint(blockParts[0], 10, 64)
	if err != nil {
		return parsedRequest{}, fmt.Errorf("requestengine: malformed block_id %q: %w", blockParts[0], err)
	}
	blockVersion, err := strconv.ParseUint(blockParts[1], 10, 64)
	if err != nil {
		return parsedRequest{}, fmt.Errorf("requestengine: malformed block_version %q: %w", blockParts[1], err)
	}

	dirLeaf := segments[len(segments)-2]
	dotIdx := strings.LastIndex(dirLeaf, ".")
	if dotIdx < 0 {
		return parsedRequest{}, fmt.Errorf("requestengine: missing file_version suffix in %q", dirLeaf)
	}
	name := dirLeaf[:dotIdx]
	fileVersion, err := strconv.ParseUint(dirLeaf[dotIdx+1:], 10, 64)
	if err != nil {
		return parsedRequest{}, fmt.Errorf("requestengine: malformed file_version %q: %w", dirLeaf[dotIdx+1:], err)
	}

	fsSegments := append(append([]string{}, segments[:len(segments)-2]...), name)
	return parsedRequest{
		FsPath:       "/" + strings.Join(fsSegments, "/"),
		IsManifest:   false,
		FileVersion:  fileVersion,
		BlockID:      blockID,
		BlockVersion: blockVersion,
	}, nil
}
