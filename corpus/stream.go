package corpus

import (
	"github.com/gomlx/melodygen/internal/files"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
)

// Stream is the global token stream of a corpus, with the file each token came from.
type Stream struct {
	Tokens []string
	Files  []string
}

// Len returns the number of tokens.
func (s *Stream) Len() int {
	return len(s.Tokens)
}

// Row is one token of a Stream, as stored in a Parquet file.
type Row struct {
	Index int64  `parquet:"index"`
	Token string `parquet:"token,dict"`
	File  string `parquet:"file,dict"`
}

// WriteParquet saves the stream to path, one row per token.
func (s *Stream) WriteParquet(path string) error {
	if len(s.Files) != len(s.Tokens) {
		return errors.Errorf("stream has %d tokens but %d file entries", len(s.Tokens), len(s.Files))
	}
	rows := make([]Row, len(s.Tokens))
	for i, token := range s.Tokens {
		rows[i] = Row{Index: int64(i), Token: token, File: s.Files[i]}
	}
	return files.WriteAtomically(path, func(tmpPath string) error {
		if err := parquet.WriteFile(tmpPath, rows); err != nil {
			return errors.Wrapf(err, "failed to write token stream to %q", tmpPath)
		}
		return nil
	})
}

// ReadParquet loads a stream saved with WriteParquet.
func ReadParquet(path string) (*Stream, error) {
	rows, err := parquet.ReadFile[Row](path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read token stream from %q", path)
	}
	s := &Stream{
		Tokens: make([]string, len(rows)),
		Files:  make([]string, len(rows)),
	}
	for i, row := range rows {
		if row.Index != int64(i) {
			return nil, errors.Errorf("token stream %q is out of order: row %d has index %d", path, i, row.Index)
		}
		s.Tokens[i] = row.Token
		s.Files[i] = row.File
	}
	return s, nil
}
