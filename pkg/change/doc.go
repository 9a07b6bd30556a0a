/*
Package change implements the durability core's change detector (spec.md
§4.A): given a prior snapshot and a new state, both trees of nested
mappings with scalar or array leaves, it produces the set of added,
removed, and changed dotted-path fields plus a change percentage, and
remembers the latest snapshot per session so that successive calls are
relative to each other.

State is represented as the natural decoding of JSON into Go's empty
interface: map[string]any for objects, []any for arrays, and
string/float64/bool/nil for scalars. This is deliberate — it is exactly
the tagged variant (object/array/scalar) spec.md §9 asks for, without
inventing a parallel type for something encoding/json already gives us.
Arrays are always compared and replaced as opaque leaves; dotted paths
never address an element inside an array (spec.md §9's documented
limitation is preserved, not extended).

A tree containing a cycle through nested objects (a map reachable from
inside its own subtree) is rejected with core.ErrCyclicState rather than
tolerated, since the flattener would not otherwise terminate. Arrays are
not walked, so a cycle that passes through an array is not examined.
*/
package change
