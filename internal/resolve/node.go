package resolve

// NodeOutput locates the distinguished runData object — the first object
// in arr that has at least one of {"YOLO Inference", "Webhook",
// "Metadata"} as a field — reads its `name` field, resolves it, and
// descends `[0].data.main[0][0].json` to return the node's output JSON.
// Returns a null Value (Kind: KindNull) if any step of that path doesn't
// exist; it never errors.
func NodeOutput(arr []Value, name string) Value {
	runData := findRunData(arr)
	if runData.Kind != KindObject {
		return Value{Kind: KindNull}
	}
	entry, ok := runData.Obj[name]
	if !ok {
		return Value{Kind: KindNull}
	}
	resolved := Resolve(entry, arr)
	return descend(resolved, arr, "0", "data", "main", "0", "0", "json")
}

// NodeBinary descends to `[0].data.main[0][0].binary[binaryKey]` instead,
// for the webhook node's image descriptor.
func NodeBinary(arr []Value, name, binaryKey string) Value {
	runData := findRunData(arr)
	if runData.Kind != KindObject {
		return Value{Kind: KindNull}
	}
	entry, ok := runData.Obj[name]
	if !ok {
		return Value{Kind: KindNull}
	}
	resolved := Resolve(entry, arr)
	return descend(resolved, arr, "0", "data", "main", "0", "0", "binary", binaryKey)
}

// findRunData returns the first object in arr containing at least one of
// the three well-known node keys.
func findRunData(arr []Value) Value {
	for _, v := range arr {
		if v.Kind != KindObject {
			continue
		}
		if _, ok := v.Obj["YOLO Inference"]; ok {
			return v
		}
		if _, ok := v.Obj["Webhook"]; ok {
			return v
		}
		if _, ok := v.Obj["Metadata"]; ok {
			return v
		}
	}
	return Value{Kind: KindNull}
}

// descend walks a path of object keys and/or array indices through a
// resolved value, resolving each step against arr (in case a step itself
// is a reference). Any missing step returns Kind: KindNull.
func descend(v Value, arr []Value, path ...string) Value {
	cur := v
	for _, step := range path {
		cur = Resolve(cur, arr)
		switch cur.Kind {
		case KindObject:
			next, ok := cur.Obj[step]
			if !ok {
				return Value{Kind: KindNull}
			}
			cur = next
		case KindArray:
			idx, ok := parseIndex(step, len(cur.Arr))
			if !ok {
				return Value{Kind: KindNull}
			}
			cur = cur.Arr[idx]
		default:
			return Value{Kind: KindNull}
		}
	}
	return Resolve(cur, arr)
}
