package text

import "fmt"

// RequestKind selects which attributes accompany a TextInput event.
type RequestKind int

const (
	KindNormal RequestKind = iota
	KindDialog
	KindSpecific
)

// RequestType says who a text request is aimed at: the current dialog, the
// default routing, or one play service.
type RequestType struct {
	Kind          RequestKind
	PlayServiceID string
}

func NormalRequest() RequestType { return RequestType{Kind: KindNormal} }

func DialogRequest() RequestType { return RequestType{Kind: KindDialog} }

func SpecificRequest(playServiceID string) RequestType {
	return RequestType{Kind: KindSpecific, PlayServiceID: playServiceID}
}

func (r RequestType) String() string {
	switch r.Kind {
	case KindDialog:
		return "dialog"
	case KindSpecific:
		return fmt.Sprintf("specific(%s)", r.PlayServiceID)
	default:
		return "normal"
	}
}

// ParseRequestType is the inverse of String for "normal" and "dialog"; any
// non-empty playServiceID yields a specific request.
func ParseRequestType(kind, playServiceID string) (RequestType, error) {
	if playServiceID != "" {
		return SpecificRequest(playServiceID), nil
	}
	switch kind {
	case "", "normal":
		return NormalRequest(), nil
	case "dialog":
		return DialogRequest(), nil
	default:
		return RequestType{}, fmt.Errorf("unknown request type %q", kind)
	}
}
