// Package wasmtest assembles small WASI preview1 modules in memory so host
// tests do not need a wasm toolchain.
package wasmtest

import (
	"bytes"
	"encoding/binary"
)

// Value types.
const (
	I32 byte = 0x7f
)

const (
	opUnreachable byte = 0x00
	opLoop        byte = 0x03
	opBr          byte = 0x0c
	opEnd         byte = 0x0b
	opCall        byte = 0x10
	opDrop        byte = 0x1a
	opSelect      byte = 0x1b
	opI32Load     byte = 0x28
	opI32Store    byte = 0x36
	opI32Const    byte = 0x41
	opI32Eqz      byte = 0x45
	blockEmpty    byte = 0x40
)

type funcType struct {
	params, results []byte
}

type importFunc struct {
	module, name string
	typ          uint32
}

type function struct {
	typ  uint32
	body []byte
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type segment struct {
	offset uint32
	data   []byte
}

// Builder collects the pieces of one module. All imports must be declared
// before the first Func call so function indices stay stable.
type Builder struct {
	types   []funcType
	imports []importFunc
	funcs   []function
	exports []export
	memory  uint32
	data    []segment
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) typeIndex(params, results []byte) uint32 {
	for i, t := range b.types {
		if bytes.Equal(t.params, params) && bytes.Equal(t.results, results) {
			return uint32(i)
		}
	}
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

// Import declares an imported function and returns its function index.
func (b *Builder) Import(module, name string, params, results []byte) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: Import after Func")
	}
	b.imports = append(b.imports, importFunc{module: module, name: name, typ: b.typeIndex(params, results)})
	return uint32(len(b.imports) - 1)
}

// Func defines a function with no locals. body must not include the
// trailing end opcode.
func (b *Builder) Func(params, results []byte, body []byte) uint32 {
	b.funcs = append(b.funcs, function{typ: b.typeIndex(params, results), body: body})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

func (b *Builder) Export(name string, funcIdx uint32) {
	b.exports = append(b.exports, export{name: name, kind: 0x00, idx: funcIdx})
}

// Memory declares memory 0 with the given minimum pages and exports it
// as "memory".
func (b *Builder) Memory(minPages uint32) {
	b.memory = minPages
	b.exports = append(b.exports, export{name: "memory", kind: 0x02, idx: 0})
}

func (b *Builder) Data(offset uint32, data []byte) {
	b.data = append(b.data, segment{offset: offset, data: data})
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	if len(b.types) > 0 {
		var s bytes.Buffer
		s.Write(uleb(uint32(len(b.types))))
		for _, t := range b.types {
			s.WriteByte(0x60)
			s.Write(vec(t.params))
			s.Write(vec(t.results))
		}
		section(&out, 1, s.Bytes())
	}
	if len(b.imports) > 0 {
		var s bytes.Buffer
		s.Write(uleb(uint32(len(b.imports))))
		for _, im := range b.imports {
			s.Write(name(im.module))
			s.Write(name(im.name))
			s.WriteByte(0x00)
			s.Write(uleb(im.typ))
		}
		section(&out, 2, s.Bytes())
	}
	if len(b.funcs) > 0 {
		var s bytes.Buffer
		s.Write(uleb(uint32(len(b.funcs))))
		for _, f := range b.funcs {
			s.Write(uleb(f.typ))
		}
		section(&out, 3, s.Bytes())
	}
	if b.memory > 0 {
		var s bytes.Buffer
		s.Write(uleb(1))
		s.WriteByte(0x00)
		s.Write(uleb(b.memory))
		section(&out, 5, s.Bytes())
	}
	if len(b.exports) > 0 {
		var s bytes.Buffer
		s.Write(uleb(uint32(len(b.exports))))
		for _, e := range b.exports {
			s.Write(name(e.name))
			s.WriteByte(e.kind)
			s.Write(uleb(e.idx))
		}
		section(&out, 7, s.Bytes())
	}
	if len(b.funcs) > 0 {
		var s bytes.Buffer
		s.Write(uleb(uint32(len(b.funcs))))
		for _, f := range b.funcs {
			var body bytes.Buffer
			body.WriteByte(0x00) // no locals
			body.Write(f.body)
			body.WriteByte(opEnd)
			s.Write(uleb(uint32(body.Len())))
			s.Write(body.Bytes())
		}
		section(&out, 10, s.Bytes())
	}
	if len(b.data) > 0 {
		var s bytes.Buffer
		s.Write(uleb(uint32(len(b.data))))
		for _, d := range b.data {
			s.WriteByte(0x00)
			s.Write(I32Const(int32(d.offset)))
			s.WriteByte(opEnd)
			s.Write(uleb(uint32(len(d.data))))
			s.Write(d.data)
		}
		section(&out, 11, s.Bytes())
	}
	return out.Bytes()
}

func section(out *bytes.Buffer, id byte, content []byte) {
	out.WriteByte(id)
	out.Write(uleb(uint32(len(content))))
	out.Write(content)
}

func vec(b []byte) []byte {
	return append(uleb(uint32(len(b))), b...)
}

func name(s string) []byte {
	return vec([]byte(s))
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		out = append(out, c)
		if done {
			return out
		}
	}
}

// Instruction helpers.

func I32Const(v int32) []byte { return append([]byte{opI32Const}, sleb(v)...) }
func Call(idx uint32) []byte  { return append([]byte{opCall}, uleb(idx)...) }
func Drop() []byte            { return []byte{opDrop} }
func Select() []byte          { return []byte{opSelect} }
func I32Eqz() []byte          { return []byte{opI32Eqz} }
func Unreachable() []byte     { return []byte{opUnreachable} }

// I32Load and I32Store use natural alignment and a zero offset.
func I32Load() []byte  { return []byte{opI32Load, 0x02, 0x00} }
func I32Store() []byte { return []byte{opI32Store, 0x02, 0x00} }

// SpinForever is an infinite loop.
func SpinForever() []byte { return []byte{opLoop, blockEmpty, opBr, 0x00, opEnd} }

// Concat joins instruction sequences.
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// le32 encodes an iovec field.
func le32(vs ...uint32) []byte {
	out := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(out[4*i:], v)
	}
	return out
}
