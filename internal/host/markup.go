package host

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrEmptyMarkup is returned when a fragment contains no element.
var ErrEmptyMarkup = errors.New("host: markup has no root element")

// Node is one element of a parsed markup fragment. Text content is dropped.
type Node struct {
	Name     string
	Attrs    map[string]string
	Children []*Node
}

// Attr returns the named attribute, or "".
func (n *Node) Attr(name string) string {
	if n == nil {
		return ""
	}
	return n.Attrs[name]
}

// Child returns the first direct child element with the given name.
func (n *Node) Child(name string) (*Node, bool) {
	if n == nil {
		return nil, false
	}
	for _, child := range n.Children {
		if child.Name == name {
			return child, true
		}
	}
	return nil, false
}

// MarkupParser turns a serialized block fragment into a node tree.
type MarkupParser interface {
	ParseMarkup(text string) (*Node, error)
}

// MarkupParserFunc adapts a function into a MarkupParser.
type MarkupParserFunc func(text string) (*Node, error)

func (f MarkupParserFunc) ParseMarkup(text string) (*Node, error) {
	return f(text)
}

// XMLParser parses the XML fragments the block workspace serializes.
type XMLParser struct{}

func (XMLParser) ParseMarkup(text string) (*Node, error) {
	return ParseXML(text)
}

// ParseXML returns the first root element of an XML fragment.
func ParseXML(text string) (*Node, error) {
	decoder := xml.NewDecoder(strings.NewReader(text))
	decoder.Strict = false

	var root *Node
	var stack []*Node
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse markup: %w", err)
		}
		switch tok := token.(type) {
		case xml.StartElement:
			node := &Node{Name: tok.Name.Local, Attrs: make(map[string]string, len(tok.Attr))}
			for _, attr := range tok.Attr {
				node.Attrs[attr.Name.Local] = attr.Value
			}
			if len(stack) == 0 {
				if root != nil {
					// Only the first root element is part of the fragment.
					return root, nil
				}
				root = node
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, node)
			}
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if root == nil {
		return nil, ErrEmptyMarkup
	}
	return root, nil
}
