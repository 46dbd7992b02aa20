package httpapi

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/R3E-Network/custody_layer/internal/app/domain/account"
	"github.com/R3E-Network/custody_layer/internal/app/storage"
)

// parseConditions reads the conditions query parameter. Malformed input
// yields an empty filter rather than an error. Unknown states are dropped.
func parseConditions(raw string) storage.Filter {
	var in struct {
		AccountID string          `json:"accountId"`
		UserID    string          `json:"userId"`
		State     json.RawMessage `json:"state"`
		States    []string        `json:"states"`
	}
	if !decodeParam(raw, &in) {
		return storage.Filter{}
	}

	filter := storage.Filter{AccountID: in.AccountID, UserID: in.UserID}
	names := in.States
	if len(in.State) > 0 {
		var one string
		var many []string
		if json.Unmarshal(in.State, &one) == nil {
			names = append(names, one)
		} else if json.Unmarshal(in.State, &many) == nil {
			names = append(names, many...)
		}
	}
	for _, name := range names {
		if st, err := account.ParseState(name); err == nil {
			filter.States = append(filter.States, st)
		}
	}
	return filter
}

// parseOptions reads the options query parameter, shaped as
// {"page":{"index":0,"size":20,"sort":{"property":"createdAt","direction":"desc"}}}.
func parseOptions(raw string) storage.PageOptions {
	var in struct {
		Page struct {
			Index int `json:"index"`
			Size  int `json:"size"`
			Sort  struct {
				Property  string `json:"property"`
				Direction string `json:"direction"`
			} `json:"sort"`
		} `json:"page"`
	}
	if !decodeParam(raw, &in) {
		return storage.PageOptions{}.Normalize()
	}
	return storage.PageOptions{
		Index: in.Page.Index,
		Size:  in.Page.Size,
		Sort: storage.Sort{
			Property:  in.Page.Sort.Property,
			Direction: storage.SortDirection(strings.ToLower(in.Page.Sort.Direction)),
		},
	}.Normalize()
}

func decodeParam(raw string, dst interface{}) bool {
	if raw == "" {
		return false
	}
	// Some clients encode the JSON twice.
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	return json.Unmarshal([]byte(raw), dst) == nil
}
