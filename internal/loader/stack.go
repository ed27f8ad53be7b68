package loader

import "encoding/binary"

// BuildInitialStack assembles the System V AMD64 initial stack frame as a
// pure function, per the distilled spec's "treat layout computation as a
// separate pure function returning a byte buffer plus the intended base
// address" design note. auxv must not include the AT_NULL terminator; this
// function appends it.
//
// Layout (bit-exact, little-endian, 8-byte slots), starting at the returned
// rsp: argc, argv[0..argc-1], NULL, envp[0..envc-1], NULL, auxv pairs
// ending in (AT_NULL, 0), then the concatenated NUL-terminated strings
// (argv then envp), padded to an 8-byte boundary. Pointers into the
// strings region are computed from stackTop up front so they can be
// written in the same pass as the pointer tables.
func BuildInitialStack(argv, envp []string, auxv []AuxEntry, stackTop uint64) (frame []byte, rsp uint64) {
	argc := len(argv)
	envc := len(envp)

	pointerWords := 1 + (argc + 1) + (envc + 1) + (len(auxv)+1)*2
	pointerBytes := pointerWords * 8

	var strings []byte
	offsets := make([]int, 0, argc+envc)
	appendString := func(s string) {
		offsets = append(offsets, len(strings))
		strings = append(strings, []byte(s)...)
		strings = append(strings, 0)
	}
	for _, s := range argv {
		appendString(s)
	}
	for _, s := range envp {
		appendString(s)
	}
	for len(strings)%8 != 0 {
		strings = append(strings, 0)
	}

	total := pointerBytes + len(strings)
	rsp = stackTop - uint64(total)
	stringsBase := rsp + uint64(pointerBytes)

	frame = make([]byte, total)
	w := 0
	putWord := func(v uint64) {
		binary.LittleEndian.PutUint64(frame[w:w+8], v)
		w += 8
	}

	putWord(uint64(argc))
	for i := range argv {
		putWord(stringsBase + uint64(offsets[i]))
	}
	putWord(0)
	for i := range envp {
		putWord(stringsBase + uint64(offsets[argc+i]))
	}
	putWord(0)
	for _, e := range auxv {
		putWord(uint64(e.Type))
		putWord(e.Value)
	}
	putWord(uint64(AT_NULL))
	putWord(0)

	copy(frame[w:], strings)
	return frame, rsp
}
