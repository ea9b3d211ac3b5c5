package state

import "github.com/cbodonnell/theyr/pkg/tree"

// DefaultPrivateNamespace is the top-level key holding per-user private data.
const DefaultPrivateNamespace = "theyrPrivateVars"

// FilterPrivate returns root with the private namespace narrowed to the entry
// belonging to userID. The namespace key is always present as an object, even
// when root lacks it or the user has no entry. root is not modified.
func FilterPrivate(root tree.Value, namespace, userID string) tree.Value {
	if root.Kind() != tree.KindObject {
		return root
	}
	visible := map[string]tree.Value{}
	if ns, ok := root.Field(namespace); ok && userID != "" {
		if own, ok := ns.Field(userID); ok {
			visible[userID] = own
		}
	}
	return root.With(namespace, tree.Object(visible))
}

// EnsureNamespace returns root with an empty private namespace added when it
// is missing or not an object.
func EnsureNamespace(root tree.Value, namespace string) tree.Value {
	if ns, ok := root.Field(namespace); ok && ns.Kind() == tree.KindObject {
		return root
	}
	return root.With(namespace, tree.Object(nil))
}

// FilterPrivateDiff narrows the private namespace of a diff to userID's
// entry. Unlike FilterPrivate it does not add the namespace, and drops it
// when nothing visible remains.
func FilterPrivateDiff(diff tree.Value, namespace, userID string) tree.Value {
	ns, ok := diff.Field(namespace)
	if !ok {
		return diff
	}
	if userID != "" && ns.Kind() == tree.KindObject {
		if own, ok := ns.Field(userID); ok {
			return diff.With(namespace, tree.Object(map[string]tree.Value{userID: own}))
		}
	}
	return diff.Without(namespace)
}
