// SPDX-License-Identifier: GPL-2.0-only

package lanner

import (
	"strconv"
	"strings"

	"github.com/efficientgo/core/errors"
)

// maxLineBytes bounds how much input may accumulate since the last
// newline before the reply is considered malformed and unrecoverable,
// per the 255-byte overflow rule.
const maxLineBytes = 255

const (
	getCommand = "GET DIGITAL_OUT\n"
	okReply    = "100 OK"
	getPrefix  = "100 DIGITAL_OUT="
)

func setCommand(mask uint32) string {
	return "SET DIGITAL_OUT " + strconv.FormatUint(uint64(mask), 10) + "\n"
}

// parseDigitalOutReply extracts the decimal bitmask from "100
// DIGITAL_OUT= N" or "100 DIGITAL_OUT=N" — both spacings are tolerated.
func parseDigitalOutReply(line string) (uint32, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, getPrefix) {
		return 0, errors.Newf("unexpected mcu reply %q", line)
	}
	numStr := strings.TrimSpace(strings.TrimPrefix(line, getPrefix))
	n, err := strconv.ParseUint(numStr, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to parse digital_out bitmask %q", numStr)
	}
	return uint32(n), nil
}

func isOKReply(line string) bool {
	return strings.TrimRight(line, "\r\n") == okReply
}
