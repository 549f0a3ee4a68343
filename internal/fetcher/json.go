package fetcher

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// DecodeJSONArray streams the elements of a top-level JSON array.
// Both channels are closed when processing completes.
func DecodeJSONArray[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	return DecodeJSONArrayAt[T](ctx, r, "")
}

// DecodeJSONArrayAt streams the elements of the array stored under key in a
// top-level object, e.g. {"listings": [...]}. An empty key expects the
// document itself to be the array.
func DecodeJSONArrayAt[T any](ctx context.Context, r io.Reader, key string) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)
		decoder.UseNumber()

		if key != "" {
			found, err := seekKey(decoder, key)
			if err != nil {
				errCh <- err
				return
			}
			if !found {
				errCh <- eris.Errorf("json: key %q not found", key)
				return
			}
		}

		tok, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return
			}
			errCh <- eris.Wrap(err, "json: read opening token")
			return
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			errCh <- eris.Errorf("json: expected '[', got %v", tok)
			return
		}

		for decoder.More() {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}

			var item T
			if err := decoder.Decode(&item); err != nil {
				errCh <- eris.Wrap(err, "json: decode element")
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}
		}

		if _, err := decoder.Token(); err != nil && err != io.EOF {
			errCh <- eris.Wrap(err, "json: read closing token")
		}
	}()

	return outCh, errCh
}

// seekKey advances the decoder to the value of key in the top-level object.
func seekKey(decoder *json.Decoder, key string) (bool, error) {
	tok, err := decoder.Token()
	if err != nil {
		return false, eris.Wrap(err, "json: read opening token")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return false, eris.Errorf("json: expected '{', got %v", tok)
	}

	for decoder.More() {
		tok, err := decoder.Token()
		if err != nil {
			return false, eris.Wrap(err, "json: read key")
		}
		name, _ := tok.(string)
		if name == key {
			return true, nil
		}
		var skip json.RawMessage
		if err := decoder.Decode(&skip); err != nil {
			return false, eris.Wrapf(err, "json: skip value of %q", name)
		}
	}
	return false, nil
}
