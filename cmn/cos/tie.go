package cos

import "go.uber.org/atomic"

const tieABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var rtie atomic.Int32

// GenTie returns a short, monotonically-varying suffix used to make
// temp-file names collision free, the way the teacher's cmn.GenTie does
// for cmn/jsp.Save.
func GenTie() string {
	tie := rtie.Add(1)
	b0 := tieABC[tie&0x3f]
	b1 := tieABC[-tie&0x3f]
	b2 := tieABC[(tie>>2)&0x3f]
	return string([]byte{b0, b1, b2})
}
