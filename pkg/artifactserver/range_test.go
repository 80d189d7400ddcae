package artifactserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRange(t *testing.T) {
	cases := []struct {
		name     string
		header   string
		fileSize uint64
		present  bool
		valid    bool
		start    uint64
		end      uint64
	}{
		{name: "absent", header: "", fileSize: 100, present: false},
		{name: "full span", header: "bytes=0-99", fileSize: 100, present: true, valid: true, start: 0, end: 99},
		{name: "interior", header: "bytes=10-19", fileSize: 100, present: true, valid: true, start: 10, end: 19},
		{name: "open ended", header: "bytes=42-", fileSize: 100, present: true, valid: true, start: 42, end: 99},
		{name: "single byte", header: "bytes=5-5", fileSize: 100, present: true, valid: true, start: 5, end: 5},
		{name: "start past eof", header: "bytes=100-", fileSize: 100, present: true, valid: false},
		{name: "end past eof", header: "bytes=0-100", fileSize: 100, present: true, valid: false},
		{name: "inverted", header: "bytes=20-10", fileSize: 100, present: true, valid: false},
		{name: "suffix form unsupported", header: "bytes=-10", fileSize: 100, present: true, valid: false},
		{name: "empty spec", header: "bytes=-", fileSize: 100, present: true, valid: false},
		{name: "non numeric start", header: "bytes=abc-10", fileSize: 100, present: true, valid: false},
		{name: "non numeric end", header: "bytes=0-xyz", fileSize: 100, present: true, valid: false},
		{name: "wrong unit", header: "lines=0-10", fileSize: 100, present: true, valid: false},
		{name: "no dash", header: "bytes=10", fileSize: 100, present: true, valid: false},
		{name: "zero byte file", header: "bytes=0-0", fileSize: 0, present: true, valid: false},
		{name: "zero byte file open ended", header: "bytes=0-", fileSize: 0, present: true, valid: false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r, present, valid := parseRange(c.header, c.fileSize)
			assert.Equal(t, c.present, present)
			assert.Equal(t, c.valid, valid)
			if c.valid {
				assert.Equal(t, c.start, r.Start)
				assert.Equal(t, c.end, r.End)
			}
		})
	}
}
