package reqdata

import (
	"fmt"
	"sort"
)

// LocationKind says which part of the request a Location points into.
type LocationKind int

// LocationKinds available.
const (
	LocRequest LocationKind = iota
	LocBody
	LocBodyArgument
	LocBodyArgumentValue
	LocHeaders
	LocHeader
	LocHeaderValue
	LocCookies
	LocCookie
	LocCookieValue
	LocURIArguments
	LocURIArgument
	LocURIArgumentValue
	LocPath
	LocPathPart
	LocPathPartValue
	LocRefererArguments
	LocRefererArgument
	LocRefererArgumentValue
	LocPlugins
	LocPlugin
	LocPluginValue
)

// Location identifies where a piece of evidence came from. It is a plain
// comparable value so it can be used as a map key in LocationSets.
type Location struct {
	Kind  LocationKind
	Index int
	Name  string
	Value string
}

// LocationSet is a set of Locations.
type LocationSet map[Location]struct{}

// NewLocationSet creates a LocationSet containing the given Locations.
func NewLocationSet(locs ...Location) LocationSet {
	s := make(LocationSet, len(locs))
	for _, l := range locs {
		s[l] = struct{}{}
	}
	return s
}

// Merge unions another LocationSet into this one.
func (s LocationSet) Merge(o LocationSet) {
	for l := range o {
		s[l] = struct{}{}
	}
}

// Sorted returns the locations in a deterministic order.
func (s LocationSet) Sorted() []Location {
	ll := make([]Location, 0, len(s))
	for l := range s {
		ll = append(ll, l)
	}
	sort.Slice(ll, func(i, j int) bool { return ll[i].String() < ll[j].String() })
	return ll
}

// Clone returns a copy of the set.
func (s LocationSet) Clone() LocationSet {
	c := make(LocationSet, len(s))
	for l := range s {
		c[l] = struct{}{}
	}
	return c
}

// RequestLocation is the root of every parent chain.
func RequestLocation() Location { return Location{Kind: LocRequest} }

// BodyLocation points at the request body as a whole.
func BodyLocation() Location { return Location{Kind: LocBody} }

// BodyArgumentLocation points at a named body argument.
func BodyArgumentLocation(name string) Location {
	return Location{Kind: LocBodyArgument, Name: name}
}

// BodyArgumentValueLocation points at the value of a named body argument.
func BodyArgumentValueLocation(name, value string) Location {
	return Location{Kind: LocBodyArgumentValue, Name: name, Value: value}
}

// HeadersLocation points at the header section.
func HeadersLocation() Location { return Location{Kind: LocHeaders} }

// HeaderLocation points at a named header.
func HeaderLocation(name string) Location { return Location{Kind: LocHeader, Name: name} }

// HeaderValueLocation points at the value of a named header.
func HeaderValueLocation(name, value string) Location {
	return Location{Kind: LocHeaderValue, Name: name, Value: value}
}

// CookiesLocation points at the cookie section.
func CookiesLocation() Location { return Location{Kind: LocCookies} }

// CookieLocation points at a named cookie.
func CookieLocation(name string) Location { return Location{Kind: LocCookie, Name: name} }

// CookieValueLocation points at the value of a named cookie.
func CookieValueLocation(name, value string) Location {
	return Location{Kind: LocCookieValue, Name: name, Value: value}
}

// URIArgumentsLocation points at the query string section.
func URIArgumentsLocation() Location { return Location{Kind: LocURIArguments} }

// URIArgumentLocation points at a named query string argument.
func URIArgumentLocation(name string) Location {
	return Location{Kind: LocURIArgument, Name: name}
}

// URIArgumentValueLocation points at the value of a named query string argument.
func URIArgumentValueLocation(name, value string) Location {
	return Location{Kind: LocURIArgumentValue, Name: name, Value: value}
}

// PathLocation points at the URI path.
func PathLocation() Location { return Location{Kind: LocPath} }

// PathPartLocation points at the nth slash-separated path part.
func PathPartLocation(idx int) Location { return Location{Kind: LocPathPart, Index: idx} }

// PathPartValueLocation points at the value of the nth path part.
func PathPartValueLocation(idx int, value string) Location {
	return Location{Kind: LocPathPartValue, Index: idx, Value: value}
}

// RefererArgumentsLocation points at the query string of the referer header.
func RefererArgumentsLocation() Location { return Location{Kind: LocRefererArguments} }

// RefererArgumentLocation points at a named referer query argument.
func RefererArgumentLocation(name string) Location {
	return Location{Kind: LocRefererArgument, Name: name}
}

// RefererArgumentValueLocation points at the value of a named referer query argument.
func RefererArgumentValueLocation(name, value string) Location {
	return Location{Kind: LocRefererArgumentValue, Name: name, Value: value}
}

// PluginsLocation points at the plugin key/value section.
func PluginsLocation() Location { return Location{Kind: LocPlugins} }

// PluginLocation points at a named plugin entry.
func PluginLocation(name string) Location { return Location{Kind: LocPlugin, Name: name} }

// PluginValueLocation points at the value of a named plugin entry.
func PluginValueLocation(name, value string) Location {
	return Location{Kind: LocPluginValue, Name: name, Value: value}
}

// Parent returns the enclosing Location, and false at the chain root.
func (l Location) Parent() (Location, bool) {
	switch l.Kind {
	case LocRequest:
		return Location{}, false
	case LocBody, LocHeaders, LocURIArguments, LocPath, LocPlugins:
		return RequestLocation(), true
	case LocBodyArgument:
		return BodyLocation(), true
	case LocBodyArgumentValue:
		return BodyArgumentLocation(l.Name), true
	case LocHeader:
		return HeadersLocation(), true
	case LocHeaderValue:
		return HeaderLocation(l.Name), true
	case LocCookies:
		// Cookies arrive inside a header.
		return HeadersLocation(), true
	case LocCookie:
		return CookiesLocation(), true
	case LocCookieValue:
		return CookieLocation(l.Name), true
	case LocURIArgument:
		return URIArgumentsLocation(), true
	case LocURIArgumentValue:
		return URIArgumentLocation(l.Name), true
	case LocPathPart:
		return PathLocation(), true
	case LocPathPartValue:
		return PathPartLocation(l.Index), true
	case LocRefererArguments:
		return HeaderLocation("referer"), true
	case LocRefererArgument:
		return RefererArgumentsLocation(), true
	case LocRefererArgumentValue:
		return RefererArgumentLocation(l.Name), true
	case LocPlugin:
		return PluginsLocation(), true
	case LocPluginValue:
		return PluginLocation(l.Name), true
	}
	return Location{}, false
}

func (k LocationKind) String() string {
	switch k {
	case LocRequest:
		return "request"
	case LocBody:
		return "body"
	case LocBodyArgument:
		return "body argument"
	case LocBodyArgumentValue:
		return "body argument value"
	case LocHeaders:
		return "headers"
	case LocHeader:
		return "header"
	case LocHeaderValue:
		return "header value"
	case LocCookies:
		return "cookies"
	case LocCookie:
		return "cookie"
	case LocCookieValue:
		return "cookie value"
	case LocURIArguments:
		return "uri arguments"
	case LocURIArgument:
		return "uri argument"
	case LocURIArgumentValue:
		return "uri argument value"
	case LocPath:
		return "path"
	case LocPathPart:
		return "path part"
	case LocPathPartValue:
		return "path part value"
	case LocRefererArguments:
		return "referer arguments"
	case LocRefererArgument:
		return "referer argument"
	case LocRefererArgumentValue:
		return "referer argument value"
	case LocPlugins:
		return "plugins"
	case LocPlugin:
		return "plugin"
	case LocPluginValue:
		return "plugin value"
	}
	return "unknown"
}

func (l Location) String() string {
	switch {
	case l.Name != "" && l.Value != "":
		return fmt.Sprintf("%v %q=%q", l.Kind, l.Name, l.Value)
	case l.Name != "":
		return fmt.Sprintf("%v %q", l.Kind, l.Name)
	case l.Kind == LocPathPart:
		return fmt.Sprintf("%v %d", l.Kind, l.Index)
	case l.Kind == LocPathPartValue:
		return fmt.Sprintf("%v %d=%q", l.Kind, l.Index, l.Value)
	}
	return l.Kind.String()
}
