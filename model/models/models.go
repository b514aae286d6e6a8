// Package models registriert alle eingebauten Modell-Architekturen.
package models

import (
	_ "github.com/ollama/sfast/model/convnet"
)
