package tree

// Get returns the value at path inside root.
func Get(root Value, path Path) (Value, bool) {
	cur := root
	for _, seg := range path {
		switch cur.kind {
		case KindObject:
			next, ok := cur.obj[seg.Name()]
			if !ok {
				return Value{}, false
			}
			cur = next
		case KindArray:
			if !seg.IsIndex || seg.Index >= len(cur.arr) {
				return Value{}, false
			}
			cur = cur.arr[seg.Index]
		default:
			return Value{}, false
		}
	}
	return cur, true
}

// Set returns a copy of root with v written at path. Missing intermediate
// containers are created: an index segment creates an array (padded with
// nulls), a field segment creates an object. Scalars in the way are replaced.
func Set(root Value, path Path, v Value) Value {
	if len(path) == 0 {
		return v
	}
	seg := path[0]
	rest := path[1:]

	switch {
	case root.kind == KindArray && seg.IsIndex:
		size := len(root.arr)
		if seg.Index >= size {
			size = seg.Index + 1
		}
		arr := make([]Value, size)
		copy(arr, root.arr)
		arr[seg.Index] = Set(arr[seg.Index], rest, v)
		return Value{kind: KindArray, arr: arr}
	case root.kind == KindObject:
		child := root.obj[seg.Name()]
		return root.With(seg.Name(), Set(child, rest, v))
	case seg.IsIndex:
		arr := make([]Value, seg.Index+1)
		arr[seg.Index] = Set(Value{}, rest, v)
		return Value{kind: KindArray, arr: arr}
	default:
		return Value{kind: KindObject, obj: map[string]Value{seg.Key: Set(Value{}, rest, v)}}
	}
}

// Remove returns a copy of root without the value at path. Objects left
// empty by the removal are removed as well.
func Remove(root Value, path Path) Value {
	if len(path) == 0 || root.kind != KindObject {
		return root
	}
	key := path[0].Name()
	child, ok := root.obj[key]
	if !ok {
		return root
	}
	if len(path) == 1 {
		return root.Without(key)
	}
	pruned := Remove(child, path[1:])
	if pruned.kind == KindObject && len(pruned.obj) == 0 {
		return root.Without(key)
	}
	return root.With(key, pruned)
}

// At builds the minimal object that carries v at path, e.g. a.b -> {"a":{"b":v}}.
// Every segment is treated as an object key.
func At(path Path, v Value) Value {
	out := v
	for i := len(path) - 1; i >= 0; i-- {
		out = Value{kind: KindObject, obj: map[string]Value{path[i].Name(): out}}
	}
	return out
}

// Patch builds the diff that writes v at path when merged into current.
// Because merge replaces arrays wholesale, a path crossing an array carries
// the whole updated array rather than a sparse one.
func Patch(current Value, path Path, v Value) Value {
	// the root is always an object, so the first segment is a key
	for i := 1; i < len(path); i++ {
		if !path[i].IsIndex {
			continue
		}
		prefix := path[:i]
		base, _ := Get(current, prefix)
		return At(prefix, Set(base, path[i:], v))
	}
	return At(path, v)
}

// Merge deep-merges diff into dst: objects merge key by key, arrays and
// scalars replace the destination value.
func Merge(dst, diff Value) Value {
	if dst.kind != KindObject || diff.kind != KindObject {
		return diff
	}
	if len(diff.obj) == 0 {
		return dst
	}
	obj := make(map[string]Value, len(dst.obj)+len(diff.obj))
	for k, v := range dst.obj {
		obj[k] = v
	}
	for k, dv := range diff.obj {
		if cur, ok := obj[k]; ok {
			obj[k] = Merge(cur, dv)
		} else {
			obj[k] = dv
		}
	}
	return Value{kind: KindObject, obj: obj}
}

// Diff returns the parts of current that differ from base. Objects present
// on both sides recurse; every other changed value is emitted whole. Keys
// missing from current are not reported. The result is always an object.
func Diff(current, base Value) Value {
	out := map[string]Value{}
	if current.kind != KindObject {
		return Value{kind: KindObject, obj: out}
	}
	for k, cv := range current.obj {
		bv, ok := base.Field(k)
		if ok && Equal(cv, bv) {
			continue
		}
		if ok && cv.kind == KindObject && bv.kind == KindObject {
			out[k] = Diff(cv, bv)
			continue
		}
		out[k] = cv
	}
	return Value{kind: KindObject, obj: out}
}

// IsEmpty reports whether v is null or an empty object.
func IsEmpty(v Value) bool {
	return v.kind == KindNull || (v.kind == KindObject && len(v.obj) == 0)
}
