package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// CacheVersion identifies the on-disk schema of the state cache file.
type CacheVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// CurrentCacheVersion is written by SaveState; LoadState invalidates the
// cache outright on a major-version mismatch.
var CurrentCacheVersion = CacheVersion{Major: 1, Minor: 0}

// RoomsCache is the shallow, id-only record of every Join/Invite room
// kept in the top-level cache file; per-room detail lives in adjacent
// files.
type RoomsCache struct {
	Join   map[string]struct{} `json:"join"`
	Invite map[string]struct{} `json:"invite"`
}

// AccountDataCache carries the account-data event list as of the last
// save.
type AccountDataCache struct {
	Events []AccountDataEntry `json:"events"`
}

type AccountDataEntry struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// StateCache is the top-level JSON/CBOR document written to each
// account's cache directory.
type StateCache struct {
	CacheVersion            CacheVersion     `json:"cache_version"`
	NextBatch               string           `json:"next_batch"`
	Rooms                   RoomsCache       `json:"rooms"`
	AccountData             AccountDataCache `json:"account_data"`
	DeviceOneTimeKeysCount  map[string]int   `json:"device_one_time_keys_count,omitempty"`
}

// Format selects the on-disk encoding; libQuotient/cache_type in settings
// maps "json" -> FormatJSON and "binary" -> FormatBinary (CBOR).
type Format string

const (
	FormatJSON   Format = "json"
	FormatBinary Format = "binary"
)

// CachePaths resolves the top-level cache file and the per-room directory
// for userID under dir, escaping ':' to '_' as the layout requires.
type CachePaths struct {
	Dir    string
	UserID string
}

func (p CachePaths) escapedUserID() string {
	return strings.ReplaceAll(p.UserID, ":", "_")
}

func (p CachePaths) topLevelFile(format Format) string {
	ext := "json"
	if format == FormatBinary {
		ext = "cbor"
	}
	return filepath.Join(p.Dir, p.escapedUserID()+"."+ext)
}

func (p CachePaths) roomDir() string {
	return filepath.Join(p.Dir, p.escapedUserID())
}

func (p CachePaths) roomFile(roomID string) string {
	return filepath.Join(p.roomDir(), roomID+".json")
}

// SaveState writes the top-level cache file, encoding it as JSON or CBOR
// per format.
func SaveState(paths CachePaths, format Format, state *StateCache) error {
	state.CacheVersion = CurrentCacheVersion
	if err := os.MkdirAll(paths.Dir, 0700); err != nil {
		return fmt.Errorf("persistence: creating cache dir: %w", err)
	}

	var data []byte
	var err error
	switch format {
	case FormatBinary:
		data, err = cbor.Marshal(state)
	default:
		data, err = json.MarshalIndent(state, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("persistence: encoding state cache: %w", err)
	}
	return os.WriteFile(paths.topLevelFile(format), data, 0600)
}

// LoadState reads the top-level cache file. A missing sync token or a
// major cache-version mismatch invalidates the cache: LoadState returns
// (nil, nil) rather than an error so callers fall back to a full sync.
func LoadState(paths CachePaths, format Format) (*StateCache, error) {
	data, err := os.ReadFile(paths.topLevelFile(format))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("persistence: reading state cache: %w", err)
	}

	var state StateCache
	switch format {
	case FormatBinary:
		err = cbor.Unmarshal(data, &state)
	default:
		err = json.Unmarshal(data, &state)
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: decoding state cache: %w", err)
	}

	if state.CacheVersion.Major != CurrentCacheVersion.Major {
		return nil, nil
	}
	if state.NextBatch == "" {
		return nil, nil
	}
	return &state, nil
}

// SaveRoomState writes one room's per-room cache file, named by its
// (unescaped) room ID under the account's cache directory.
func SaveRoomState(paths CachePaths, roomID string, content any) error {
	if err := os.MkdirAll(paths.roomDir(), 0700); err != nil {
		return fmt.Errorf("persistence: creating room cache dir: %w", err)
	}
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: encoding room cache: %w", err)
	}
	return os.WriteFile(paths.roomFile(roomID), data, 0600)
}

// LoadRoomState reads one room's per-room cache file into dest.
func LoadRoomState(paths CachePaths, roomID string, dest any) (bool, error) {
	data, err := os.ReadFile(paths.roomFile(roomID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("persistence: reading room cache: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("persistence: decoding room cache: %w", err)
	}
	return true, nil
}
