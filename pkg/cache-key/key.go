package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	backupSuffix  = "_backup"
	disableSuffix = "_disable"
)

// Keys are the three cache keys belonging to a single request.
type Keys struct {
	// Primary holds the body until the negotiated cache time runs out.
	Primary string
	// Backup holds the last successfully fetched body without expiry.
	Backup string
	// Disable is present while live requests are suppressed after a failure.
	Disable string
}

// Keyer derives cache keys for remote requests.
// The key depends on the URL and on every argument that can change the
// response, but not on timeouts or cache durations.
type Keyer struct{}

func NewKeyer() Keyer {
	return Keyer{}
}

// Keys returns the keys for the given URL and key-relevant arguments.
// args must be JSON-serializable; map keys are sorted by encoding/json,
// so equal arguments always serialize the same way.
func (k Keyer) Keys(url string, args map[string]any) (Keys, error) {
	merged := make(map[string]any, len(args)+1)
	for name, val := range args {
		merged[name] = val
	}
	merged["url"] = url
	b, err := json.Marshal(merged)
	if err != nil {
		return Keys{}, fmt.Errorf("serialize cache key arguments: %w", err)
	}
	sum := sha256.Sum256(b)
	digest := hex.EncodeToString(sum[:])
	return Keys{
		Primary: digest,
		Backup:  digest + backupSuffix,
		Disable: digest + disableSuffix,
	}, nil
}
