package conflict

import (
	"encoding/json"
	"fmt"

	"github.com/kimhsiao/statsync/internal/models"
)

// Merge reconciles two copies field by field. Identity and creation time
// come from local; updated_at is the later of the two and version moves
// past both. Per field:
//
//   - lists are unioned by element identity (an element's "id" when it
//     is an object with one, its value otherwise), local order first;
//   - objects are deep-merged, remote filling gaps and winning collisions
//     only when the remote record is the more recently updated;
//   - scalars take remote when local is empty, otherwise the side with the
//     later updated_at.
//
// Recency is judged per record, not per field.
func Merge(local, remote *models.Entity) *models.Entity {
	merged := local.Clone()
	if remote == nil {
		merged.Touch()
		return merged
	}
	remoteNewer := remote.UpdatedAt.After(local.UpdatedAt)
	if merged.Fields == nil {
		merged.Fields = models.Fields{}
	}

	for key, rv := range remote.Fields {
		lv, present := local.Fields[key]
		merged.Fields[key] = mergeValue(lv, present, rv, remoteNewer)
	}

	if remoteNewer {
		merged.UpdatedAt = remote.UpdatedAt
	}
	merged.Version = max(local.Version, remote.Version) + 1
	merged.SyncStatus = models.SyncStatusSynced
	merged.Touch()
	return merged
}

func mergeValue(lv any, present bool, rv any, remoteNewer bool) any {
	if la, ok := lv.([]any); ok {
		if ra, ok := rv.([]any); ok {
			return unionList(la, ra)
		}
	}
	if lm, ok := lv.(map[string]any); ok {
		if rm, ok := rv.(map[string]any); ok {
			return mergeObject(lm, rm, remoteNewer)
		}
	}
	if (!present || isEmpty(lv)) && !isEmpty(rv) {
		return cloneAny(rv)
	}
	if remoteNewer {
		return cloneAny(rv)
	}
	return lv
}

func mergeObject(local, remote map[string]any, remoteNewer bool) map[string]any {
	out := make(map[string]any, len(local)+len(remote))
	for k, v := range local {
		out[k] = cloneAny(v)
	}
	for k, rv := range remote {
		lv, ok := local[k]
		if !ok {
			out[k] = cloneAny(rv)
			continue
		}
		lm, lok := lv.(map[string]any)
		rm, rok := rv.(map[string]any)
		switch {
		case lok && rok:
			out[k] = mergeObject(lm, rm, remoteNewer)
		case remoteNewer:
			out[k] = cloneAny(rv)
		}
	}
	return out
}

func unionList(local, remote []any) []any {
	out := make([]any, 0, len(local)+len(remote))
	seen := make(map[string]bool, len(local)+len(remote))
	for _, list := range [][]any{local, remote} {
		for _, v := range list {
			id := identity(v)
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, cloneAny(v))
		}
	}
	return out
}

// identity keys list elements for deduplication.
func identity(v any) string {
	if m, ok := v.(map[string]any); ok {
		if id, ok := m["id"]; ok && id != nil {
			data, _ := json.Marshal(id)
			return "id:" + string(data)
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%v", v, v)
	}
	return "v:" + string(data)
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}

func cloneAny(v any) any {
	return models.Fields{"v": v}.Clone()["v"]
}
