package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/u-root/u-root/pkg/dt"
)

// ErrMalformed is wrapped by every error caused by an invalid blob or an
// invalid property encoding.
var ErrMalformed = errors.New("fdt: malformed device tree")

const maxDepth = 64

// Tree is a parsed, read-only device tree.
type Tree struct {
	root     *TreeNode
	phandles map[uint32]*TreeNode
}

// TreeNode is one node of a parsed Tree.
type TreeNode struct {
	Name string

	parent   *TreeNode
	children []*TreeNode
	props    map[string][]byte
}

// Parse decodes an FDT blob. The header is validated here so every failure
// wraps ErrMalformed; the structure block is read with u-root's dt reader.
// The returned tree does not alias blob.
func Parse(blob []byte) (*Tree, error) {
	if len(blob) < fdtHeaderSize {
		return nil, fmt.Errorf("%w: blob is %d bytes, header needs %d", ErrMalformed, len(blob), fdtHeaderSize)
	}
	be := binary.BigEndian
	if magic := be.Uint32(blob[0:4]); magic != fdtMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrMalformed, magic)
	}
	total := be.Uint32(blob[4:8])
	if uint64(total) > uint64(len(blob)) || total < fdtHeaderSize {
		return nil, fmt.Errorf("%w: total size %d outside blob of %d bytes", ErrMalformed, total, len(blob))
	}
	blob = blob[:total]

	offStruct := be.Uint32(blob[8:12])
	offStrings := be.Uint32(blob[12:16])
	version := be.Uint32(blob[20:24])
	sizeStrings := be.Uint32(blob[32:36])
	sizeStruct := be.Uint32(blob[36:40])
	if version < 17 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, version)
	}
	if err := section(blob, offStruct, sizeStruct); err != nil {
		return nil, fmt.Errorf("%w: structure block: %v", ErrMalformed, err)
	}
	if err := section(blob, offStrings, sizeStrings); err != nil {
		return nil, fmt.Errorf("%w: strings block: %v", ErrMalformed, err)
	}

	raw, err := dt.ReadFDT(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.RootNode == nil {
		return nil, fmt.Errorf("%w: no root node", ErrMalformed)
	}
	root, err := convert(raw.RootNode, nil, 0)
	if err != nil {
		return nil, err
	}

	t := &Tree{root: root, phandles: make(map[uint32]*TreeNode)}
	t.Walk(func(n *TreeNode) bool {
		for _, name := range []string{"phandle", "linux,phandle"} {
			if ph, ok := n.U32(name); ok {
				t.phandles[ph] = n
				break
			}
		}
		return true
	})
	return t, nil
}

func section(blob []byte, off, size uint32) error {
	end := uint64(off) + uint64(size)
	if end > uint64(len(blob)) {
		return fmt.Errorf("range 0x%x+0x%x exceeds blob size 0x%x", off, size, len(blob))
	}
	return nil
}

func convert(n *dt.Node, parent *TreeNode, depth int) (*TreeNode, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrMalformed, maxDepth)
	}
	node := &TreeNode{Name: n.Name, parent: parent, props: make(map[string][]byte, len(n.Properties))}
	for _, p := range n.Properties {
		node.props[p.Name] = append([]byte(nil), p.Value...)
	}
	for _, c := range n.Children {
		child, err := convert(c, node, depth+1)
		if err != nil {
			return nil, err
		}
		node.children = append(node.children, child)
	}
	return node, nil
}

// Root returns the root node.
func (t *Tree) Root() *TreeNode { return t.root }

// Walk visits every node in document order until fn returns false.
func (t *Tree) Walk(fn func(*TreeNode) bool) {
	var visit func(n *TreeNode) bool
	visit = func(n *TreeNode) bool {
		if !fn(n) {
			return false
		}
		for _, c := range n.children {
			if !visit(c) {
				return false
			}
		}
		return true
	}
	visit(t.root)
}

// FindCompatible returns the first node, in document order, whose compatible
// list contains any of compat.
func (t *Tree) FindCompatible(compat ...string) (*TreeNode, bool) {
	var found *TreeNode
	t.Walk(func(n *TreeNode) bool {
		if n.IsCompatible(compat...) {
			found = n
			return false
		}
		return true
	})
	return found, found != nil
}

// ByPhandle resolves a phandle to its node.
func (t *Tree) ByPhandle(phandle uint32) (*TreeNode, bool) {
	n, ok := t.phandles[phandle]
	return n, ok
}

// Parent returns the parent node, or nil for the root.
func (n *TreeNode) Parent() *TreeNode { return n.parent }

// Children returns the child nodes in document order.
func (n *TreeNode) Children() []*TreeNode { return n.children }

// Path returns the absolute path of the node.
func (n *TreeNode) Path() string {
	if n.parent == nil {
		return "/"
	}
	var parts []string
	for cur := n; cur.parent != nil; cur = cur.parent {
		parts = append(parts, cur.Name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// Property returns the raw value of a property.
func (n *TreeNode) Property(name string) ([]byte, bool) {
	v, ok := n.props[name]
	return v, ok
}

// Strings decodes a NUL-separated string list property.
func (n *TreeNode) Strings(name string) []string {
	v, ok := n.props[name]
	if !ok || len(v) == 0 {
		return nil
	}
	v = bytes.TrimRight(v, "\x00")
	if len(v) == 0 {
		return nil
	}
	var out []string
	for _, s := range bytes.Split(v, []byte{0}) {
		out = append(out, string(s))
	}
	return out
}

// Compatible returns the node's compatible list.
func (n *TreeNode) Compatible() []string {
	return n.Strings("compatible")
}

// IsCompatible reports whether the compatible list contains any of compat.
func (n *TreeNode) IsCompatible(compat ...string) bool {
	for _, have := range n.Compatible() {
		for _, want := range compat {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Cells decodes a property as big-endian 32-bit cells.
func (n *TreeNode) Cells(name string) ([]uint32, error) {
	v, ok := n.props[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing property %q", ErrMalformed, n.Path(), name)
	}
	if len(v)%4 != 0 {
		return nil, fmt.Errorf("%w: %s: property %q is %d bytes, not a whole number of cells", ErrMalformed, n.Path(), name, len(v))
	}
	cells := make([]uint32, len(v)/4)
	for i := range cells {
		cells[i] = binary.BigEndian.Uint32(v[4*i:])
	}
	return cells, nil
}

// U32 decodes a single-cell property.
func (n *TreeNode) U32(name string) (uint32, bool) {
	v, ok := n.props[name]
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// AddressCells returns #address-cells for children of n (2 when absent).
func (n *TreeNode) AddressCells() uint32 {
	if v, ok := n.U32("#address-cells"); ok {
		return v
	}
	return 2
}

// SizeCells returns #size-cells for children of n (1 when absent).
func (n *TreeNode) SizeCells() uint32 {
	if v, ok := n.U32("#size-cells"); ok {
		return v
	}
	return 1
}

// InterruptCells returns #interrupt-cells of n.
func (n *TreeNode) InterruptCells() (uint32, bool) {
	return n.U32("#interrupt-cells")
}

// Region is one decoded (address, size) pair of a reg property.
type Region struct {
	Address uint64
	Size    uint64
}

// Reg decodes the reg property using the parent's cell counts.
func (n *TreeNode) Reg() ([]Region, error) {
	addrCells, sizeCells := uint32(2), uint32(1)
	if n.parent != nil {
		addrCells, sizeCells = n.parent.AddressCells(), n.parent.SizeCells()
	}
	if addrCells == 0 || addrCells > 2 || sizeCells > 2 {
		return nil, fmt.Errorf("%w: %s: unsupported reg layout %d/%d cells", ErrMalformed, n.Path(), addrCells, sizeCells)
	}
	cells, err := n.Cells("reg")
	if err != nil {
		return nil, err
	}
	stride := int(addrCells + sizeCells)
	if len(cells) == 0 || len(cells)%stride != 0 {
		return nil, fmt.Errorf("%w: %s: reg has %d cells, not a multiple of %d", ErrMalformed, n.Path(), len(cells), stride)
	}
	var regions []Region
	for i := 0; i < len(cells); i += stride {
		regions = append(regions, Region{
			Address: joinCells(cells[i : i+int(addrCells)]),
			Size:    joinCells(cells[i+int(addrCells) : i+stride]),
		})
	}
	return regions, nil
}

func joinCells(cells []uint32) uint64 {
	var v uint64
	for _, c := range cells {
		v = v<<32 | uint64(c)
	}
	return v
}
