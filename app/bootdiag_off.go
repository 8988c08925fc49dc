//go:build !(tinygo && bootdebug)

package app

import "pinode/hal"

func bootDiagStart(hal.HAL) {}
