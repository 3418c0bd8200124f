package types

import "fmt"

// Region is a raw byte region of the image handed to a decoder by the host
type Region struct {
	Data        []byte
	FileOffset  uint64 // absolute offset of Data[0] in the image
	BaseAddress uint64 // preferred load address of the image
}

// Length returns the size of the region in bytes
func (r Region) Length() uint64 {
	return uint64(len(r.Data))
}

func (r Region) String() string {
	return fmt.Sprintf("off=0x%08x-0x%08x base=%#x", r.FileOffset, r.FileOffset+r.Length(), r.BaseAddress)
}

// Segment describes one segment of the base image layout
type Segment struct {
	Name   string
	Addr   uint64 // vmaddr
	Memsz  uint64 // vmsize
	Offset uint64 // file offset
	Filesz uint64
}

func (s Segment) String() string {
	return fmt.Sprintf("%-16s addr=0x%09x-0x%09x off=0x%08x-0x%08x", s.Name, s.Addr, s.Addr+s.Memsz, s.Offset, s.Offset+s.Filesz)
}
