package svm

// layout of the boot scratch area
const (
	offPML4 = 0x0000
	offPDPT = 0x1000
	offPD   = 0x2000 // four page directories, one per GiB
	offGDT  = 0x6000

	identityGiB = 4
	pte         = 0x03 // present, writable
	pdeLarge    = 0x83 // present, writable, 2M page
)

var bootGDT = []uint64{
	0, // null
	CodeSegment.GDTEntry(),
	DataSegment.GDTEntry(),
	TaskSegment.GDTEntry(),
}
