// Package helpers holds small formatting utilities shared by the
// operator-facing surfaces.
package helpers

import "fmt"

// FormatKRW formats an amount as Korean won with thousand separators.
// Won has no fractional unit; the amount is truncated.
func FormatKRW(amount float64) string {
	value := int64(amount)

	negative := value < 0
	if negative {
		value = -value
	}

	str := fmt.Sprintf("%d", value)
	length := len(str)

	var result string
	for i, digit := range str {
		if i > 0 && (length-i)%3 == 0 {
			result += ","
		}
		result += string(digit)
	}

	if negative {
		return fmt.Sprintf("-%s KRW", result)
	}
	return fmt.Sprintf("%s KRW", result)
}
