package fetcher

import (
	"bufio"
	"compress/gzip"
	"context"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// TSVOptions configures the streaming TSV parser.
type TSVOptions struct {
	HasHeader bool            // if true, first row is skipped but sent to HeaderCh
	HeaderCh  chan<- []string // optional: receives the header row
	Null      string          // field value mapped to ""; IMDb dumps use `\N`
}

// StreamTSV reads tab-separated lines and sends rows to a channel. Fields are
// split on tabs only; quotes carry no meaning. Both channels are closed when
// processing completes.
func StreamTSV(ctx context.Context, r io.Reader, opts TSVOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

		first := true
		for scanner.Scan() {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "tsv: context cancelled")
				return
			}

			line := strings.TrimSuffix(scanner.Text(), "\r")
			if line == "" {
				continue
			}
			record := strings.Split(line, "\t")
			if opts.Null != "" {
				for i, field := range record {
					if field == opts.Null {
						record[i] = ""
					}
				}
			}

			if first && opts.HasHeader {
				first = false
				if opts.HeaderCh != nil {
					select {
					case opts.HeaderCh <- record:
					case <-ctx.Done():
						errCh <- eris.Wrap(ctx.Err(), "tsv: context cancelled sending header")
						return
					}
				}
				continue
			}
			first = false

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "tsv: context cancelled")
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- eris.Wrap(err, "tsv: read row")
		}
	}()

	return rowCh, errCh
}

// MaybeGunzip wraps r in a gzip reader when the stream starts with the gzip
// magic bytes and returns it unchanged otherwise.
func MaybeGunzip(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, eris.Wrap(err, "gzip: peek header")
	}
	if len(magic) < 2 || magic[0] != 0x1f || magic[1] != 0x8b {
		return br, nil
	}
	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, eris.Wrap(err, "gzip: open stream")
	}
	return zr, nil
}
