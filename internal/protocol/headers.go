package protocol

import (
	"fmt"
	"strings"
)

const (
	HeaderProtocolVersion = "X-RestLi-Protocol-Version"
	HeaderMethod          = "X-RestLi-Method"
	HeaderErrorResponse   = "X-RestLi-Error-Response"
	HeaderRequestID       = "X-RestLi-Request-Id"
	HeaderID              = "X-RestLi-Id"
	HeaderLocation        = "Location"
)

// Reserved query parameters.
const (
	ParamQuery          = "q"
	ParamBatchQuery     = "bq"
	ParamIDs            = "ids"
	ParamAction         = "action"
	ParamFields         = "fields"
	ParamMetadataFields = "metadataFields"
	ParamPagingFields   = "pagingFields"
	ParamStart          = "start"
	ParamCount          = "count"
	ParamCriteria       = "criteria"
)

// MethodType is a resource method kind. Values are the X-RestLi-Method header spelling.
type MethodType string

const (
	MethodGet                MethodType = "get"
	MethodGetAll             MethodType = "get_all"
	MethodCreate             MethodType = "create"
	MethodUpdate             MethodType = "update"
	MethodPartialUpdate      MethodType = "partial_update"
	MethodDelete             MethodType = "delete"
	MethodFinder             MethodType = "finder"
	MethodBatchFinder        MethodType = "batch_finder"
	MethodAction             MethodType = "action"
	MethodBatchGet           MethodType = "batch_get"
	MethodBatchCreate        MethodType = "batch_create"
	MethodBatchUpdate        MethodType = "batch_update"
	MethodBatchPartialUpdate MethodType = "batch_partial_update"
	MethodBatchDelete        MethodType = "batch_delete"
)

var allMethods = []MethodType{
	MethodGet, MethodGetAll, MethodCreate, MethodUpdate, MethodPartialUpdate, MethodDelete,
	MethodFinder, MethodBatchFinder, MethodAction, MethodBatchGet, MethodBatchCreate,
	MethodBatchUpdate, MethodBatchPartialUpdate, MethodBatchDelete,
}

// Methods lists every method type.
func Methods() []MethodType { return append([]MethodType(nil), allMethods...) }

func ParseMethodType(s string) (MethodType, error) {
	m := MethodType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allMethods {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown method type %q", s)
}

// IsBatch reports whether the method operates on a set of keys or criteria.
func (m MethodType) IsBatch() bool {
	return strings.HasPrefix(string(m), "batch_")
}

// Named reports whether methods of this type carry a name (finders and actions).
func (m MethodType) Named() bool {
	return m == MethodFinder || m == MethodBatchFinder || m == MethodAction
}

// NeedsKey reports whether the method addresses a single entity.
func (m MethodType) NeedsKey() bool {
	switch m {
	case MethodGet, MethodUpdate, MethodPartialUpdate, MethodDelete:
		return true
	}
	return false
}

// Operation is the configuration spelling, e.g. "get" or "finder-search".
func Operation(m MethodType, name string) string {
	if m.Named() && name != "" {
		return string(m) + "-" + name
	}
	return string(m)
}
