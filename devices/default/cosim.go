//go:build !nocosim

package _default

import _ "github.com/gomlx/frt/devices/cosim"
