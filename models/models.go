// Package models embeds the Furuta pendulum model definitions shipped with
// the workshop: the two-torque joint model, the single-torque model and the
// velocity-mode model. The three variants are independent documents sharing
// one schema, selected by name.
package models

import (
	_ "embed"
	"fmt"
	"sort"

	"github.com/swingup/furuta/internal/model"
)

//go:embed furuta.yaml
var furutaYAML []byte

//go:embed furuta2.yaml
var furuta2YAML []byte

//go:embed furuta_velocity_mode.yaml
var furutaVelocityYAML []byte

var builtin = map[string][]byte{
	"furuta":               furutaYAML,
	"furuta2":              furuta2YAML,
	"furuta_velocity_mode": furutaVelocityYAML,
}

// Furuta returns the two-torque joint model.
func Furuta() (*model.Model, error) {
	return model.Parse(furutaYAML, "furuta.yaml")
}

// FurutaSingleTorque returns the model with a passive second joint.
func FurutaSingleTorque() (*model.Model, error) {
	return model.Parse(furuta2YAML, "furuta2.yaml")
}

// FurutaVelocityMode returns the model driven by the arm angular
// acceleration, with Torque1 as a reconstructed output.
func FurutaVelocityMode() (*model.Model, error) {
	return model.Parse(furutaVelocityYAML, "furuta_velocity_mode.yaml")
}

// Open loads a built-in model by name.
func Open(name string) (*model.Model, error) {
	data, ok := builtin[name]
	if !ok {
		return nil, fmt.Errorf("unknown built-in model %q (have %v)", name, Names())
	}
	return model.Parse(data, name+".yaml")
}

// Names lists the built-in models in stable order.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for n := range builtin {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Source returns the raw document of a built-in model.
func Source(name string) ([]byte, bool) {
	data, ok := builtin[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}
