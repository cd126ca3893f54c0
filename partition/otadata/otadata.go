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

// Package otadata implements the boot selection record the bootloader
// consults to pick an OTA slot.
//
// The record occupies two flash sectors. Each sector holds at most one entry
// carrying a sequence number; the valid entry with the highest sequence
// number wins, and slot (seq-1) mod N boots. Updates are always written to the
// sector not holding the winning entry, so a torn write leaves the previous
// selection intact.
package otadata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/transparency-dev/armored-witness-ota/blockdev"
	"k8s.io/klog/v2"
)

const (
	// SectorSize is the size of each of the two record sectors.
	SectorSize = 0x1000
	// Size is the minimum size of an otadata partition.
	Size = 2 * SectorSize
	// EntrySize is the encoded size of an Entry.
	EntrySize = 32

	labelLen = 20
	seqUnset = 0xffffffff
)

// ErrNoEntry is returned when neither sector holds a usable entry.
var ErrNoEntry = errors.New("no valid otadata entry")

// State is the verification state of the image an entry selects.
type State uint32

const (
	// StateNew marks an image which has been selected but never booted.
	StateNew State = 0
	// StatePendingVerify marks an image which has been booted once and is
	// waiting to be marked valid.
	StatePendingVerify State = 1
	// StateValid marks an image confirmed to work.
	StateValid State = 2
	// StateInvalid marks an image known not to work.
	StateInvalid State = 3
	// StateAborted marks an image which was rolled back from.
	StateAborted State = 4
	// StateUndefined is the value of an erased state field.
	StateUndefined State = 0xffffffff
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StatePendingVerify:
		return "PENDING_VERIFY"
	case StateValid:
		return "VALID"
	case StateInvalid:
		return "INVALID"
	case StateAborted:
		return "ABORTED"
	case StateUndefined:
		return "UNDEFINED"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// Entry is a single boot selection record.
type Entry struct {
	Seq   uint32
	Label string
	State State
}

// Index returns the OTA slot selected by e when there are slots slots.
func (e Entry) Index(slots int) int {
	return int((e.Seq - 1) % uint32(slots))
}

func crc(seq uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], seq)
	return crc32.ChecksumIEEE(b[:])
}

// MarshalBinary encodes e in its on-flash form.
func (e Entry) MarshalBinary() ([]byte, error) {
	if len(e.Label) > labelLen {
		return nil, fmt.Errorf("label %q longer than %d bytes", e.Label, labelLen)
	}
	b := make([]byte, EntrySize)
	binary.LittleEndian.PutUint32(b[0:], e.Seq)
	copy(b[4:4+labelLen], bytes.Repeat([]byte{0xff}, labelLen))
	copy(b[4:], e.Label)
	binary.LittleEndian.PutUint32(b[24:], uint32(e.State))
	binary.LittleEndian.PutUint32(b[28:], crc(e.Seq))
	return b, nil
}

// Slot is the decoded content of one record sector.
type Slot struct {
	Entry
	// Valid is set if the sector holds a well formed entry.
	Valid bool
}

// Usable reports whether the entry may select a boot partition.
func (s Slot) Usable() bool {
	return s.Valid && s.State != StateInvalid && s.State != StateAborted
}

func decode(b []byte) Slot {
	e := Entry{
		Seq:   binary.LittleEndian.Uint32(b[0:]),
		Label: string(bytes.TrimRight(b[4:4+labelLen], "\xff\x00")),
		State: State(binary.LittleEndian.Uint32(b[24:])),
	}
	sum := binary.LittleEndian.Uint32(b[28:])
	return Slot{Entry: e, Valid: e.Seq != seqUnset && sum == crc(e.Seq)}
}

// Active returns the index of the winning slot, or -1 if neither is usable.
func Active(slots [2]Slot) int {
	a, b := slots[0].Usable(), slots[1].Usable()
	switch {
	case a && b:
		if slots[1].Seq > slots[0].Seq {
			return 1
		}
		return 0
	case a:
		return 0
	case b:
		return 1
	}
	return -1
}

// NextSeq returns the lowest sequence number greater than cur which selects
// OTA slot index out of slots. cur is 0 if there is no current entry.
func NextSeq(cur uint32, index, slots int) uint32 {
	seq := cur + 1
	for int((seq-1)%uint32(slots)) != index {
		seq++
	}
	return seq
}

// Store reads and writes the record on a device covering the otadata
// partition.
type Store struct {
	dev             blockdev.Device
	blocksPerSector uint
}

// New returns a Store for dev.
func New(dev blockdev.Device) (*Store, error) {
	bs := dev.BlockSize()
	if bs == 0 || bs > SectorSize || SectorSize%bs != 0 {
		return nil, fmt.Errorf("block size %d does not divide the %d byte otadata sector", bs, SectorSize)
	}
	if c := blockdev.GeometryOf(dev).Capacity(); c < Size {
		return nil, fmt.Errorf("otadata partition of %d bytes is smaller than %d", c, Size)
	}
	return &Store{dev: dev, blocksPerSector: SectorSize / bs}, nil
}

// Read returns the content of both sectors.
func (s *Store) Read() ([2]Slot, error) {
	var r [2]Slot
	b := make([]byte, EntrySize)
	for i := range r {
		if err := s.dev.ReadBlocks(uint(i)*s.blocksPerSector, b, 0); err != nil {
			return r, fmt.Errorf("failed to read otadata sector %d: %v", i, err)
		}
		r[i] = decode(b)
	}
	return r, nil
}

func (s *Store) write(sector int, e Entry) error {
	enc, err := e.MarshalBinary()
	if err != nil {
		return err
	}
	b := bytes.Repeat([]byte{blockdev.ErasedByte}, SectorSize)
	copy(b, enc)
	if err := s.dev.WriteBlocks(uint(sector)*s.blocksPerSector, b, 0); err != nil {
		return fmt.Errorf("failed to write otadata sector %d: %v", sector, err)
	}
	klog.V(1).Infof("otadata[%d] <- seq %d %q %v", sector, e.Seq, e.Label, e.State)
	return nil
}

// Select records that OTA slot index, of slots, should boot next, with the
// given initial state. The entry is written to the sector not currently
// active.
func (s *Store) Select(index, slots int, label string, state State) error {
	if index < 0 || index >= slots {
		return fmt.Errorf("slot %d out of range [0, %d)", index, slots)
	}
	cur, err := s.Read()
	if err != nil {
		return err
	}
	sector, seq := 0, uint32(0)
	if a := Active(cur); a >= 0 {
		sector, seq = 1-a, cur[a].Seq
	}
	return s.write(sector, Entry{Seq: NextSeq(seq, index, slots), Label: label, State: state})
}

// SetState rewrites the active entry with a new state.
func (s *Store) SetState(state State) error {
	cur, err := s.Read()
	if err != nil {
		return err
	}
	a := Active(cur)
	if a < 0 {
		return ErrNoEntry
	}
	e := cur[a].Entry
	e.State = state
	return s.write(a, e)
}

// Erase clears both sectors, so that no OTA slot is selected.
func (s *Store) Erase() error {
	for i := uint(0); i < 2*s.blocksPerSector; i++ {
		if err := s.dev.EraseBlock(i); err != nil {
			return fmt.Errorf("failed to erase otadata: %v", err)
		}
	}
	return nil
}
