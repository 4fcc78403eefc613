package luna

// Validate reports whether number is a digit string with a valid Luhn check digit.
func Validate(number string) bool {
	if number == "" {
		return false
	}
	sum, ok := luhnSum(number, false)
	return ok && sum%10 == 0
}

// CheckDigit returns the digit that makes payload+digit pass Validate.
func CheckDigit(payload string) (byte, bool) {
	sum, ok := luhnSum(payload, true)
	if !ok {
		return 0, false
	}
	return byte('0' + (10-sum%10)%10), true
}

func luhnSum(number string, alternate bool) (int, bool) {
	sum := 0
	for i := len(number) - 1; i >= 0; i-- {
		ch := number[i]
		if ch < '0' || ch > '9' {
			return 0, false
		}
		d := int(ch - '0')
		if alternate {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alternate = !alternate
	}
	return sum, true
}
