// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// +build windows

package serial

var defaultConfig = Config{
	port: "COM1",
	baud: 115200,
}
