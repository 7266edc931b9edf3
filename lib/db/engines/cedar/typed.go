package cedar

import (
	"sync"
)

// Typed is a map with keys and values converted by codecs.
type Typed[K, V any] struct {
	m      *Map
	keys   Codec[K]
	values Codec[V]
	bufs   sync.Pool // *[]byte scratch buffers for encoded keys and values
}

// OpenTyped opens a map for keys of type K and values of type V. Codecs that
// implement ConstantSizer set the constant key or value size of the map
// unless the options already set one.
func OpenTyped[K, V any](opts *Options, keys Codec[K], values Codec[V]) (*Typed[K, V], error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if cs, ok := keys.(ConstantSizer); ok && o.ConstantKeySize == 0 {
		o.ConstantKeySize = int64(cs.ConstantSize())
	}
	if cs, ok := values.(ConstantSizer); ok && o.ConstantValueSize == 0 {
		o.ConstantValueSize = int64(cs.ConstantSize())
	}

	m, err := Open(&o)
	if err != nil {
		return nil, err
	}
	return &Typed[K, V]{
		m:      m,
		keys:   keys,
		values: values,
		bufs: sync.Pool{New: func() any {
			b := make([]byte, 0, 64)
			return &b
		}},
	}, nil
}

// Map returns the underlying byte map.
func (t *Typed[K, V]) Map() *Map { return t.m }

func (t *Typed[K, V]) encodeKey(k K) *[]byte {
	bp := t.bufs.Get().(*[]byte)
	*bp = t.keys.Append((*bp)[:0], k)
	return bp
}

func (t *Typed[K, V]) release(bp *[]byte) {
	t.bufs.Put(bp)
}

// Get returns the value of k.
func (t *Typed[K, V]) Get(k K) (V, bool, error) {
	return t.GetUsing(k, nil)
}

// GetUsing is Get with a value the codec may reuse.
func (t *Typed[K, V]) GetUsing(k K, reuse *V) (V, bool, error) {
	kb := t.encodeKey(k)
	defer t.release(kb)

	var v V
	var rerr error
	ok, err := t.m.View(*kb, func(src []byte) {
		v, rerr = t.values.Read(src, reuse)
	})
	if err == nil {
		err = rerr
	}
	return v, ok, err
}

// ContainsKey reports whether k has a live entry.
func (t *Typed[K, V]) ContainsKey(k K) (bool, error) {
	kb := t.encodeKey(k)
	defer t.release(kb)
	return t.m.ContainsKey(*kb)
}

// Put sets the value of k and returns the previous value.
func (t *Typed[K, V]) Put(k K, v V) (prev V, loaded bool, err error) {
	var rerr error
	res, err := t.compute(k, func(old []byte, present bool) (V, Op) {
		if present {
			prev, rerr = t.values.Read(old, nil)
		}
		return v, OpPut
	})
	if err == nil {
		err = rerr
	}
	return prev, res.Present, err
}

// PutIfAbsent sets the value of k only if it has no live entry.
func (t *Typed[K, V]) PutIfAbsent(k K, v V) (bool, error) {
	res, err := t.compute(k, func(_ []byte, present bool) (V, Op) {
		if present {
			return v, OpKeep
		}
		return v, OpPut
	})
	return res.Applied == OpPut, err
}

// Remove deletes k and returns its previous value.
func (t *Typed[K, V]) Remove(k K) (prev V, removed bool, err error) {
	var rerr error
	res, err := t.compute(k, func(old []byte, present bool) (V, Op) {
		if present {
			prev, rerr = t.values.Read(old, nil)
		}
		return prev, OpRemove
	})
	if err == nil {
		err = rerr
	}
	return prev, res.Applied == OpRemove, err
}

// Compute applies fn to the current value of k atomically. old is the zero
// value if k has no live entry.
func (t *Typed[K, V]) Compute(k K, fn func(old V, present bool) (V, Op)) (Result, error) {
	var rerr error
	res, err := t.compute(k, func(src []byte, present bool) (V, Op) {
		var old V
		if present {
			if old, rerr = t.values.Read(src, nil); rerr != nil {
				var zero V
				return zero, OpKeep
			}
		}
		return fn(old, present)
	})
	if err == nil {
		err = rerr
	}
	return res, err
}

// compute encodes the value returned by fn into a pooled buffer while the
// segment lock is held.
func (t *Typed[K, V]) compute(k K, fn func(old []byte, present bool) (V, Op)) (Result, error) {
	kb := t.encodeKey(k)
	defer t.release(kb)
	vb := t.bufs.Get().(*[]byte)
	defer t.release(vb)

	return t.m.Compute(*kb, func(old []byte, present bool) ([]byte, Op) {
		v, op := fn(old, present)
		if op != OpPut {
			return nil, op
		}
		*vb = t.values.Append((*vb)[:0], v)
		return *vb, OpPut
	})
}

// Range calls fn with every decoded entry until fn returns false.
func (t *Typed[K, V]) Range(fn func(k K, v V) bool) error {
	var rerr error
	err := t.m.Range(func(kb, vb []byte) bool {
		k, err := t.keys.Read(kb, nil)
		if err != nil {
			rerr = err
			return false
		}
		v, err := t.values.Read(vb, nil)
		if err != nil {
			rerr = err
			return false
		}
		return fn(k, v)
	})
	if err == nil {
		err = rerr
	}
	return err
}

// Len returns the number of live entries.
func (t *Typed[K, V]) Len() int64 { return t.m.Len() }

// Close closes the underlying map.
func (t *Typed[K, V]) Close() error { return t.m.Close() }
