package pixelflow

import "strings"

// Variant is the typed view of a node: exactly one of TextInputNode, ImageSourceNode,
// GeneratorNode or ContainerNode. Use a type switch on the value returned by Node.Variant.
type Variant interface {
	variant()
}

type TextInputNode struct {
	Prompt string
}

type ImageSourceNode struct {
	Image   string
	Preview string
}

type GeneratorNode struct {
	Prompt  string
	Params  GenerationParams
	Result  string
	Error   string
	Loading bool
}

type ContainerNode struct {
	Label string
}

func (TextInputNode) variant()   {}
func (ImageSourceNode) variant() {}
func (GeneratorNode) variant()   {}
func (ContainerNode) variant()   {}

// Variant decodes the node envelope into its type-specific view. Unknown
// types decode to nil.
func (n Node) Variant() Variant {
	switch {
	case n.Type == TypeTextInput:
		return TextInputNode{Prompt: n.Data.String(KeyPrompt)}
	case n.Type.IsImageSource():
		return ImageSourceNode{Image: n.Data.String(KeyImage), Preview: n.Data.String(KeyPreview)}
	case n.Type.IsGenerator():
		return GeneratorNode{
			Prompt:  strings.TrimSpace(n.Data.String(KeyPrompt)),
			Params:  n.Params(),
			Result:  n.Data.String(KeyResult),
			Error:   n.Data.String(KeyError),
			Loading: n.Data.Bool(KeyIsLoading),
		}
	case n.Type.IsContainer():
		return ContainerNode{Label: n.Data.String(KeyLabel)}
	}
	return nil
}

// IsImagePayload reports whether s looks like an inline image rather than text.
func IsImagePayload(s string) bool {
	return strings.HasPrefix(s, "data:image/")
}
