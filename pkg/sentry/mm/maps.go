// Copyright 2026 The KOS Authors.
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

package mm

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"kos.dev/kos/pkg/hostarch"
)

const (
	// devMinorBits is the number of minor bits in a device number. Linux:
	// include/linux/kdev_t.h:MINORBITS
	devMinorBits = 20
)

// WriteMaps writes one line per VMA to w in the format of
// /proc/[pid]/maps.
func (mm *MemoryManager) WriteMaps(w io.Writer) error {
	mm.mu.Lock()
	var b bytes.Buffer
	for v := mm.head; v != nil; v = v.next {
		mm.writeMapsEntryLocked(&b, v)
	}
	mm.mu.Unlock()
	_, err := w.Write(b.Bytes())
	return err
}

// Preconditions: mm.mu is locked.
func (mm *MemoryManager) writeMapsEntryLocked(b *bytes.Buffer, v *vma) {
	private := "p"
	if v.shared() {
		private = "s"
	}

	var dev, ino uint64
	if v.file != nil {
		dev, ino = v.file.Dev, v.file.Ino
	}
	devMajor := uint32(dev >> devMinorBits)
	devMinor := uint32(dev & ((1 << devMinorBits) - 1))

	lineStart := b.Len()
	fmt.Fprintf(b, "%08x-%08x %s%s %08x %02x:%02x %d ",
		uint64(v.start), uint64(v.end), v.perms, private, v.pgoff<<hostarch.PageShift, devMajor, devMinor, ino)

	s := v.name
	if s == "" && v.file != nil {
		s = v.file.Name
	}
	if s != "" {
		// Per linux, we pad until the 74th character.
		if pad := 73 - (b.Len() - lineStart); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(s)
	}
	b.WriteString("\n")
}
