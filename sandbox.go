package cfscrape

import (
	"regexp"

	"cfscrape/internal/jsvm"
)

// sandbox is a jsvm instance with the small fake DOM challenge scripts
// touch: document.getElementById, document.createElement, a writable
// document.cookie and a location whose reload does nothing.
type sandbox struct {
	vm       *jsvm.VM
	document *jsvm.Object
	nodes    map[string]jsvm.Value
	body     string
}

func newSandbox(hostname, body string, maxSteps int) *sandbox {
	s := &sandbox{
		vm:    jsvm.New(maxSteps),
		nodes: make(map[string]jsvm.Value),
		body:  body,
	}
	href := "http://" + hostname + "/"

	doc := jsvm.NewObject()
	doc.Set("cookie", "")
	doc.Set("getElementById", jsvm.NewFunction("getElementById", func(args []jsvm.Value) (jsvm.Value, error) {
		if len(args) == 0 {
			return jsvm.Null, nil
		}
		return s.element(jsvm.ToString(args[0])), nil
	}))
	doc.Set("createElement", jsvm.NewFunction("createElement", func([]jsvm.Value) (jsvm.Value, error) {
		child := jsvm.NewObject()
		child.Set("href", href)
		el := jsvm.NewObject()
		el.Set("innerHTML", "")
		el.Set("firstChild", child)
		return el, nil
	}))
	s.document = doc

	loc := jsvm.NewObject()
	loc.Set("href", href)
	loc.Set("hostname", hostname)
	loc.Set("reload", jsvm.NewFunction("reload", func([]jsvm.Value) (jsvm.Value, error) {
		return jsvm.Undefined, nil
	}))

	window := jsvm.NewObject()
	window.Set("document", doc)
	window.Set("location", loc)

	s.vm.Set("document", doc)
	s.vm.Set("location", loc)
	s.vm.Set("window", window)
	return s
}

// element looks an id up in the page body. Results are cached so repeated
// lookups return the same object, which scripts rely on when they write
// a.value and read it back.
func (s *sandbox) element(id string) jsvm.Value {
	if el, ok := s.nodes[id]; ok {
		return el
	}
	var el jsvm.Value = jsvm.Null
	re := regexp.MustCompile(` id=['"]?` + regexp.QuoteMeta(id) + `[^>]*>([^<]*)`)
	if m := re.FindStringSubmatch(s.body); m != nil {
		obj := jsvm.NewObject()
		obj.Set("innerHTML", m[1])
		obj.Set("value", "")
		el = obj
	}
	s.nodes[id] = el
	return el
}

// answerElement returns the jschl-answer input, creating a detached one
// when the page has none so `a.value = ...` still has a target.
func (s *sandbox) answerElement() *jsvm.Object {
	if obj, ok := s.element("jschl-answer").(*jsvm.Object); ok {
		return obj
	}
	obj := jsvm.NewObject()
	obj.Set("value", "")
	s.nodes["jschl-answer"] = obj
	return obj
}

func (s *sandbox) run(src string) (jsvm.Value, error) {
	return s.vm.Run(src)
}

func (s *sandbox) cookie() string {
	return jsvm.ToString(s.document.Get("cookie"))
}
