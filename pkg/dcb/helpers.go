package dcb

import (
	"encoding/json"
	"sort"
	"strings"
)

// ToJSON marshals v for use as event or command data. It panics on
// unmarshalable input, which makes it suitable for struct and map literals
// in handlers, tests and examples; marshal dynamic input explicitly instead.
func ToJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("dcb: ToJSON: " + err.Error())
	}
	return data
}

// TagsToArray converts tags to their sorted "key=value" storage form.
// Sorting makes the array deterministic, so identical tag sets always encode
// identically regardless of construction order.
func TagsToArray(tags []Tag) []string {
	arr := make([]string, len(tags))
	for i, t := range tags {
		arr[i] = t.GetKey() + "=" + t.GetValue()
	}
	sort.Strings(arr)
	return arr
}

// ParseTagsArray converts "key=value" strings back to tags, splitting on the
// first '='. Entries without a '=' are skipped.
func ParseTagsArray(arr []string) []Tag {
	tags := make([]Tag, 0, len(arr))
	for _, s := range arr {
		parts := strings.SplitN(s, "=", 2)
		if len(parts) != 2 {
			continue
		}
		tags = append(tags, &tag{Key: parts[0], Value: parts[1]})
	}
	return tags
}

// TagsToString renders tags for logs and error messages.
func TagsToString(tags []Tag) string {
	return strings.Join(TagsToArray(tags), ", ")
}
