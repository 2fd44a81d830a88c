package starvm

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"go.starlark.net/starlark"

	"github.com/mannyc2/solclash/internal/sandbox"
)

// region exposes a staged sandbox.Region to Starlark. Indexing yields
// bytes; write is the only mutator.
type region struct {
	r        *sandbox.Region
	writable bool
	program  solana.PublicKey
}

var (
	_ starlark.HasAttrs  = (*region)(nil)
	_ starlark.Indexable = (*region)(nil)
)

func (r *region) String() string        { return fmt.Sprintf("region(%s)", r.r.Address) }
func (r *region) Type() string          { return "region" }
func (r *region) Freeze()               {}
func (r *region) Truth() starlark.Bool  { return starlark.True }
func (r *region) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: region") }
func (r *region) Len() int              { return len(r.r.Data) }

func (r *region) Index(i int) starlark.Value {
	return starlark.MakeInt(int(r.r.Data[i]))
}

func (r *region) Attr(name string) (starlark.Value, error) {
	switch name {
	case "key":
		return starlark.String(r.r.Address.String()), nil
	case "owner":
		return starlark.String(r.r.Owner.String()), nil
	case "balance":
		return starlark.MakeUint64(r.r.Balance), nil
	case "is_writable":
		return starlark.Bool(r.writable), nil
	case "data":
		return starlark.Bytes(r.r.Data), nil
	case "write":
		return starlark.NewBuiltin("write", r.write).BindReceiver(r), nil
	}
	return nil, nil
}

func (r *region) AttrNames() []string {
	return []string{"balance", "data", "is_writable", "key", "owner", "write"}
}

// write(offset, data) copies data into the region at offset.
func (r *region) write(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		offset int
		data   starlark.Bytes
	)
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &offset, &data); err != nil {
		return nil, err
	}
	if err := r.store(offset, []byte(data)); err != nil {
		return nil, err
	}
	charge(thread, len(data))
	return starlark.None, nil
}

func (r *region) store(offset int, data []byte) error {
	if !r.writable {
		return fmt.Errorf("%w: %s is not writable", sandbox.ErrReadonlyModified, r.r.Address)
	}
	if !r.r.Owner.Equals(r.program) {
		return fmt.Errorf("%w: %s is owned by %s", sandbox.ErrReadonlyModified, r.r.Address, r.r.Owner)
	}
	if offset < 0 || offset > len(r.r.Data) || len(data) > len(r.r.Data)-offset {
		return fmt.Errorf("write of %d bytes at offset %d out of bounds for region of %d bytes", len(data), offset, len(r.r.Data))
	}
	copy(r.r.Data[offset:], data)
	return nil
}

// bytesPerUnit is how many bytes of data a builtin may move per compute
// unit.
const bytesPerUnit = 16

// charge bills Go-side work against the thread's step budget.
func charge(thread *starlark.Thread, n int) {
	thread.Steps += uint64(n / bytesPerUnit)
}
