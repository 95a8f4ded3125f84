package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode marks a per-caller decoding failure: the shared bytes arrived
// fine but could not be unmarshaled into this caller's shape. Other joiners
// decoding the same bytes into other shapes are unaffected.
var ErrDecode = errors.New("fetch: decode failed")

// JSON fetches through fetcher and unmarshals the shared payload into T.
// Decoding happens independently per caller, after the coalesced fetch.
func JSON[T any](ctx context.Context, fetcher *Fetcher, desc Description) (T, error) {
	var out T

	body, err := fetcher.Bytes(ctx, desc)
	if err != nil {
		return out, err
	}

	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return out, nil
}
