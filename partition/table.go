// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
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

package partition

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/hashicorp/go-multierror"
)

const (
	// FirstOffset is where the first partition is placed if the table
	// doesn't say otherwise; the partition table itself lives below it.
	FirstOffset = 0x9000
	// AppAlignment is the required alignment of app partitions.
	AppAlignment = 0x10000
	// DataAlignment is the alignment of data partitions with no explicit
	// offset.
	DataAlignment = 0x1000
	// MaxLabelLen is the longest permitted partition label.
	MaxLabelLen = 16
)

// columns are the partition table CSV columns, in order.
var columns = []string{"Name", "Type", "SubType", "Offset", "Size", "Flags"}

// DefaultCSV is a two slot OTA layout for a 4MiB flash.
//
//go:embed default.csv
var DefaultCSV string

// csvSize is an offset or size column. Values may be hex, decimal, or carry
// a K or M suffix. An empty cell is distinct from zero.
type csvSize struct {
	v   uint32
	set bool
}

func (s *csvSize) UnmarshalCSV(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		*s = csvSize{}
		return nil
	}
	mult := uint64(1)
	switch {
	case strings.HasSuffix(v, "K"), strings.HasSuffix(v, "k"):
		mult, v = 1024, v[:len(v)-1]
	case strings.HasSuffix(v, "M"), strings.HasSuffix(v, "m"):
		mult, v = 1024*1024, v[:len(v)-1]
	}
	n, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid size %q: %v", v, err)
	}
	if n*mult > 0xffffffff {
		return fmt.Errorf("size %q overflows 32 bits", v)
	}
	*s = csvSize{v: uint32(n * mult), set: true}
	return nil
}

func (s csvSize) MarshalCSV() (string, error) {
	return fmt.Sprintf("%#x", s.v), nil
}

type csvRow struct {
	Name    string  `csv:"Name"`
	Type    string  `csv:"Type"`
	SubType string  `csv:"SubType"`
	Offset  csvSize `csv:"Offset"`
	Size    csvSize `csv:"Size"`
	Flags   string  `csv:"Flags"`
}

// Table is a flash partition table.
type Table struct {
	entries []Info
}

// NewTable returns a table holding entries.
func NewTable(entries []Info) *Table {
	t := &Table{entries: append([]Info(nil), entries...)}
	t.sort()
	return t
}

func (t *Table) sort() {
	sort.SliceStable(t.entries, func(i, j int) bool { return t.entries[i].Offset < t.entries[j].Offset })
}

// ParseTable parses a partition table in the conventional CSV layout:
//
//	# Name,   Type, SubType, Offset,  Size, Flags
//	otadata,  data, ota,     0xd000,  0x2000,
//	ota_0,    app,  ota_0,   0x10000, 1M,
//
// Lines starting with # are ignored. An empty offset places the partition
// directly after the previous one, suitably aligned.
func ParseTable(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	recs, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read partition table: %v", err)
	}

	// Normalise into a headed CSV of fixed width so the rows can be decoded
	// by column name.
	var norm bytes.Buffer
	w := csv.NewWriter(&norm)
	if err := w.Write(columns); err != nil {
		return nil, err
	}
	for i, rec := range recs {
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) > len(columns) {
			return nil, fmt.Errorf("partition table line %d: %d fields, want at most %d", i+1, len(rec), len(columns))
		}
		out := make([]string, len(columns))
		for j, f := range rec {
			out[j] = strings.TrimSpace(f)
		}
		if err := w.Write(out); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	rows := []*csvRow{}
	if err := gocsv.UnmarshalBytes(norm.Bytes(), &rows); err != nil {
		return nil, fmt.Errorf("failed to decode partition table: %v", err)
	}

	t := &Table{}
	next := uint64(FirstOffset)
	for i, r := range rows {
		p, err := r.info()
		if err != nil {
			return nil, fmt.Errorf("partition %d (%q): %v", i, r.Name, err)
		}
		if !r.Offset.set {
			align := uint64(DataAlignment)
			if p.Type == TypeApp {
				align = AppAlignment
			}
			next = (next + align - 1) / align * align
			if next > 0xffffffff {
				return nil, fmt.Errorf("partition %q: offset overflows 32 bits", p.Label)
			}
			p.Offset = uint32(next)
		}
		next = p.End()
		t.entries = append(t.entries, p)
	}
	t.sort()
	return t, nil
}

func (r *csvRow) info() (Info, error) {
	if !r.Size.set {
		return Info{}, errors.New("missing size")
	}
	pt, err := ParseType(r.Type)
	if err != nil {
		return Info{}, err
	}
	st, err := ParseSubtype(pt, r.SubType)
	if err != nil {
		return Info{}, err
	}
	p := Info{
		Label:   r.Name,
		Type:    pt,
		Subtype: st,
		Offset:  r.Offset.v,
		Size:    r.Size.v,
	}
	for _, f := range strings.Split(r.Flags, ":") {
		switch strings.TrimSpace(f) {
		case "":
		case "encrypted":
			p.Encrypted = true
		default:
			return Info{}, fmt.Errorf("unknown flag %q", f)
		}
	}
	return p, nil
}

// LoadTable reads a partition table CSV file.
func LoadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseTable(f)
}

// DefaultTable returns the table described by DefaultCSV.
func DefaultTable() *Table {
	t, err := ParseTable(strings.NewReader(DefaultCSV))
	if err != nil {
		panic(fmt.Errorf("invalid built-in partition table: %v", err))
	}
	return t
}

// Marshal writes t as CSV, with every offset explicit.
func (t *Table) Marshal(w io.Writer) error {
	rows := make([]*csvRow, 0, len(t.entries))
	for _, p := range t.entries {
		r := &csvRow{
			Name:    p.Label,
			Type:    p.Type.String(),
			SubType: SubtypeName(p.Type, p.Subtype),
			Offset:  csvSize{v: p.Offset, set: true},
			Size:    csvSize{v: p.Size, set: true},
		}
		if p.Encrypted {
			r.Flags = "encrypted"
		}
		rows = append(rows, r)
	}
	b, err := gocsv.MarshalBytes(&rows)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, "# "); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Entries returns every partition, ordered by offset.
func (t *Table) Entries() []Info {
	return append([]Info(nil), t.entries...)
}

// Find returns the partitions of type pt, ordered by offset.
func (t *Table) Find(pt Type) []Info {
	var r []Info
	for _, p := range t.entries {
		if p.Type == pt {
			r = append(r, p)
		}
	}
	return r
}

// FindSubtype returns the first partition with the given type and subtype.
func (t *Table) FindSubtype(pt Type, st Subtype) (Info, bool) {
	for _, p := range t.entries {
		if p.Type == pt && p.Subtype == st {
			return p, true
		}
	}
	return Info{}, false
}

// ByLabel returns the partition called label.
func (t *Table) ByLabel(label string) (Info, bool) {
	for _, p := range t.entries {
		if p.Label == label {
			return p, true
		}
	}
	return Info{}, false
}

// OTASlots returns the OTA app partitions ordered by subtype.
func (t *Table) OTASlots() []Info {
	return OTASlots(t.entries)
}

// OTASlots returns the OTA app partitions among parts, ordered by subtype.
func OTASlots(parts []Info) []Info {
	var r []Info
	for _, p := range parts {
		if p.IsOTA() {
			r = append(r, p)
		}
	}
	sort.SliceStable(r, func(i, j int) bool { return r[i].Subtype < r[j].Subtype })
	return r
}

// Validate checks that t describes a usable layout of a flash device of
// flashSize bytes erased in blocks of blockSize bytes.
func (t *Table) Validate(flashSize uint64, blockSize uint) error {
	var errs *multierror.Error
	labels := map[string]bool{}
	subtypes := map[Subtype]string{}
	var prev *Info
	for i := range t.entries {
		p := t.entries[i]
		switch {
		case p.Label == "":
			errs = multierror.Append(errs, fmt.Errorf("partition at %#x has no label", p.Offset))
		case len(p.Label) > MaxLabelLen:
			errs = multierror.Append(errs, fmt.Errorf("partition %q: label longer than %d bytes", p.Label, MaxLabelLen))
		case labels[p.Label]:
			errs = multierror.Append(errs, fmt.Errorf("duplicate partition label %q", p.Label))
		}
		labels[p.Label] = true

		if p.Size == 0 {
			errs = multierror.Append(errs, fmt.Errorf("partition %q: zero size", p.Label))
		}
		if blockSize > 0 && (p.Offset%uint32(blockSize) != 0 || p.Size%uint32(blockSize) != 0) {
			errs = multierror.Append(errs, fmt.Errorf("partition %q: offset %#x and size %#x must be multiples of the %d byte block size", p.Label, p.Offset, p.Size, blockSize))
		}
		if p.Type == TypeApp && p.Offset%AppAlignment != 0 {
			errs = multierror.Append(errs, fmt.Errorf("app partition %q: offset %#x not aligned to %#x", p.Label, p.Offset, AppAlignment))
		}
		if p.End() > flashSize {
			errs = multierror.Append(errs, fmt.Errorf("partition %q: ends at %#x, beyond %#x byte flash", p.Label, p.End(), flashSize))
		}
		if prev != nil && uint64(p.Offset) < prev.End() {
			errs = multierror.Append(errs, fmt.Errorf("partition %q overlaps %q", p.Label, prev.Label))
		}
		if p.IsOTA() {
			if other, ok := subtypes[p.Subtype]; ok {
				errs = multierror.Append(errs, fmt.Errorf("partitions %q and %q are both %s", other, p.Label, SubtypeName(p.Type, p.Subtype)))
			}
			subtypes[p.Subtype] = p.Label
		}
		prev = &t.entries[i]
	}
	var otadata int
	for _, p := range t.Find(TypeData) {
		if p.Subtype == SubtypeDataOTA {
			otadata++
		}
	}
	if otadata > 1 {
		errs = multierror.Append(errs, fmt.Errorf("%d otadata partitions, want at most one", otadata))
	}
	return errs.ErrorOrNil()
}
