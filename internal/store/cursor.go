package store

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

type Cursor struct {
	TS int64
}

func EncodeCursor(c Cursor) string {
	return base64.RawURLEncoding.EncodeToString([]byte("ts|" + strconv.FormatInt(c.TS, 10)))
}

func DecodeCursor(v string) (*Cursor, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return nil, err
	}
	raw, ok := strings.CutPrefix(string(b), "ts|")
	if !ok {
		return nil, errors.New("invalid cursor")
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &Cursor{TS: ts}, nil
}
