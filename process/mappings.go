// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/fpwalk/process"

import (
	"bufio"
	"debug/elf"
	"errors"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/fpwalk/internal/log"
	"go.opentelemetry.io/fpwalk/libpf"
)

// ErrNoMappings is returned when no mappings can be extracted.
var ErrNoMappings = errors.New("no mappings")

// mappingParseBufferSize defines the initial buffer size used to store lines from
// /proc/PID/maps during parsing of mappings.
const mappingParseBufferSize = 256

var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, mappingParseBufferSize)
		return &buf
	},
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}

// fieldsN splits s around runs of blanks into f. The last element of f
// receives the unparsed remainder of the line. Returns the number of
// elements filled.
func fieldsN(s string, f []string) int {
	si := 0
	for i := range len(f) - 1 {
		for si < len(s) && isSpace(s[si]) {
			si++
		}
		start := si
		for si < len(s) && !isSpace(s[si]) {
			si++
		}
		if start == si {
			return i
		}
		f[i] = s[start:si]
	}
	for si < len(s) && isSpace(s[si]) {
		si++
	}
	if si < len(s) {
		f[len(f)-1] = s[si:]
		return len(f)
	}
	return len(f) - 1
}

func trimMappingPath(path string) string {
	// Trim the deleted indication from the path.
	// See path_with_deleted in linux/fs/d_path.c
	path = strings.TrimSuffix(path, " (deleted)")
	if path == "/dev/zero" {
		// Some JIT engines map JIT area from /dev/zero
		// make it anonymous.
		return ""
	}
	return path
}

func parseFlags(perms string) (elf.ProgFlag, bool) {
	if len(perms) < 3 {
		return 0, false
	}
	flags := elf.ProgFlag(0)
	if perms[0] == 'r' {
		flags |= elf.PF_R
	}
	if perms[1] == 'w' {
		flags |= elf.PF_W
	}
	if perms[2] == 'x' {
		flags |= elf.PF_X
	}
	return flags, true
}

// ParseMappings parses the /proc/PID/maps format. Lines that fail to parse
// are counted and skipped. Non-readable and non-executable mappings, and
// special pseudo-file mappings other than the vdso, are skipped silently.
// Stack mappings are kept as anonymous mappings.
func ParseMappings(mapsFile io.Reader) ([]Mapping, uint32, error) {
	numParseErrors := uint32(0)
	mappings := make([]Mapping, 0, 32)
	scanner := bufio.NewScanner(mapsFile)
	scanBuf := bufPool.Get().(*[]byte)
	defer bufPool.Put(scanBuf)

	scanner.Buffer(*scanBuf, 8192)
	for scanner.Scan() {
		var fields [6]string

		line := scanner.Text()
		if fieldsN(line, fields[:]) < 5 {
			numParseErrors++
			continue
		}
		start, end, ok := strings.Cut(fields[0], "-")
		if !ok {
			numParseErrors++
			continue
		}
		flags, ok := parseFlags(fields[1])
		if !ok {
			numParseErrors++
			continue
		}
		// Ignore non-readable and non-executable mappings
		if flags&(elf.PF_R|elf.PF_X) == 0 {
			continue
		}
		inode, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			log.Debugf("inode: failed to convert %s to uint64: %v", fields[4], err)
			numParseErrors++
			continue
		}
		majorStr, minorStr, ok := strings.Cut(fields[3], ":")
		if !ok {
			numParseErrors++
			continue
		}
		major, err := strconv.ParseUint(majorStr, 16, 64)
		if err != nil {
			log.Debugf("major device: failed to convert %s to uint64: %v", majorStr, err)
			numParseErrors++
			continue
		}
		minor, err := strconv.ParseUint(minorStr, 16, 64)
		if err != nil {
			log.Debugf("minor device: failed to convert %s to uint64: %v", minorStr, err)
			numParseErrors++
			continue
		}
		device := major<<8 + minor

		var path string
		if inode == 0 {
			switch {
			case fields[5] == "[vdso]":
				// Map to something filename looking with synthesized inode
				path = VdsoPathName
				device = 0
				inode = vdsoInode
			case fields[5] == "":
				// This is an anonymous mapping, keep it
			case strings.HasPrefix(fields[5], "[stack"):
				// Thread stacks bound the frame chain, keep them anonymous
			default:
				// Ignore other mappings that are invalid, non-existent or are special pseudo-files
				continue
			}
		} else {
			path = trimMappingPath(fields[5])
		}

		vaddr, err := strconv.ParseUint(start, 16, 64)
		if err != nil {
			log.Debugf("vaddr: failed to convert %s to uint64: %v", start, err)
			numParseErrors++
			continue
		}
		vend, err := strconv.ParseUint(end, 16, 64)
		if err != nil || vend < vaddr {
			log.Debugf("vend: failed to convert %s to uint64: %v", end, err)
			numParseErrors++
			continue
		}
		fileOffset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			log.Debugf("fileOffset: failed to convert %s to uint64: %v", fields[2], err)
			numParseErrors++
			continue
		}

		mappings = append(mappings, Mapping{
			Vaddr:      vaddr,
			Length:     vend - vaddr,
			Flags:      flags,
			FileOffset: fileOffset,
			Device:     device,
			Inode:      inode,
			Path:       path,
		})
	}
	return mappings, numParseErrors, scanner.Err()
}

// StackBounds returns the range of the mapping containing sp. This is the
// region a frame chain rooted at sp is expected to stay within. The zero
// (unbounded) range is returned if no mapping contains sp.
func StackBounds(mappings []Mapping, sp libpf.Address) libpf.AddressRange {
	idx := slices.IndexFunc(mappings, func(m Mapping) bool {
		return m.Range().Contains(sp)
	})
	if idx < 0 {
		return libpf.AddressRange{}
	}
	return mappings[idx].Range()
}
