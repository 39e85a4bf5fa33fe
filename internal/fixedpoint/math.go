// Package fixedpoint implements 18-decimal fixed-point arithmetic on
// arbitrary-precision integers, reproducing the Hyperdrive Solidity
// FixedPointMath library bit-for-bit. All values are scaled by 1e18 and all
// division rounds down (floor) unless an Up variant is used.
//
// Never use float64 for reserve or price math; every quantity in the
// pricing core flows through this package.
package fixedpoint

import (
	"fmt"
	"math/big"
)

// Scaled-integer bounds mirroring the int256 on-chain type.
var (
	intMax = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	intMin = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))

	one18  = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	half18 = mustInt("500000000000000000")

	// expMax = floor(log((2**255 - 1) / 1e18) * 1e18)
	expMax = mustInt("135305999368893231589")
	// expMin = floor(log(0.5e-18) * 1e18)
	expMin = mustInt("-42139678854452767622")

	// ln(2) in 2**96 basis, used for range reduction in expInt.
	ln2x96 = mustInt("54916777467707473351141471128")

	// Rational-approximation coefficients for lnInt, 2**96 basis.
	lnP0 = mustInt("3273285459638523848632254066296")
	lnP1 = mustInt("24828157081833163892658089445524")
	lnP2 = mustInt("43456485725739037958740375743393")
	lnP3 = mustInt("-11111509109440967052023855526967")
	lnP4 = mustInt("-45023709667254063763336534515857")
	lnP5 = mustInt("-14706773417378608786704636184526")
	lnP6 = mustInt("795164235651350426258249787498")

	lnQ0 = mustInt("5573035233440673466300451813936")
	lnQ1 = mustInt("71694874799317883764090561454958")
	lnQ2 = mustInt("283447036172924575727196451306956")
	lnQ3 = mustInt("401686690394027663651624208769553")
	lnQ4 = mustInt("204048457590392012362485061816622")
	lnQ5 = mustInt("31853899698501571402653359427138")
	lnQ6 = mustInt("909429971244387300277376558375")

	// Finalization constants for lnInt: scale factor s * 5e18 * 2**96,
	// ln(2) * 5e18 * 2**192, and ln(2**96 / 1e18) * 5e18 * 2**192.
	lnScale = mustInt("1677202110996718588342820967067443963516166")
	lnK     = mustInt("16597577552685614221487285958193947469193820559219878177908093499208371")
	lnBase  = mustInt("600920179829731861736702779321621459595472258049074101567377883020018308")

	// Rational-approximation coefficients for expInt, 2**96 basis.
	expP0 = mustInt("2772001395605857295435445496992")
	expP1 = mustInt("44335888930127919016834873520032")
	expP2 = mustInt("398888492587501845352592340339721")
	expP3 = mustInt("1993839819670624470859228494792842")
	expP4 = mustInt("4385272521454847904659076985693276")

	expZ0 = mustInt("750530180792738023273180420736")
	expZ1 = mustInt("32788456221302202726307501949080")
	expW0 = mustInt("2218138959503481824038194425854")
	expW1 = mustInt("892943633302991980437332862907700")
	expQ0 = mustInt("78174809823045304726920794422040")
	expQ1 = mustInt("4203224763890128580604056984195872")

	// Final scale for expInt: s * 1e18 * 2**96 in 2**213 basis.
	expScale = mustInt("3822833074963236453042738258902158003155416615667")

	pow5to18 = new(big.Int).Exp(big.NewInt(5), big.NewInt(18), nil)
	twoPow95 = new(big.Int).Lsh(big.NewInt(1), 95)
)

func mustInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(fmt.Sprintf("fixedpoint: bad constant %q", s))
	}
	return v
}

// floorDiv returns z divided by d rounded toward negative infinity, matching
// the reference implementation's floor division. Panics with
// ErrDivisionByZero if d is zero.
func floorDiv(z, d *big.Int) *big.Int {
	if d.Sign() == 0 {
		panic(ErrDivisionByZero)
	}
	q, r := new(big.Int).QuoRem(z, d, new(big.Int))
	if r.Sign() != 0 && (r.Sign() < 0) != (d.Sign() < 0) {
		q.Sub(q, big.NewInt(1))
	}
	return q
}

// addInt returns a + b, enforcing the int256 upper bound.
func addInt(a, b *big.Int) *big.Int {
	c := new(big.Int).Add(a, b)
	if c.Cmp(intMax) > 0 {
		panic(ErrOverflow)
	}
	return c
}

// subInt returns a - b, enforcing the int256 lower bound.
func subInt(a, b *big.Int) *big.Int {
	c := new(big.Int).Sub(a, b)
	if c.Cmp(intMin) < 0 {
		panic(ErrOverflow)
	}
	return c
}

// mulDivDown returns x * y / d rounded down.
func mulDivDown(x, y, d *big.Int) *big.Int {
	z := new(big.Int).Mul(x, y)
	return floorDiv(z, d)
}

// mulDivUp returns x * y / d rounded up (away from floor by one when the
// division is inexact). A zero product short-circuits to zero.
func mulDivUp(x, y, d *big.Int) *big.Int {
	if d.Sign() == 0 {
		panic(ErrDivisionByZero)
	}
	z := new(big.Int).Mul(x, y)
	if z.Sign() == 0 {
		return z
	}
	q := floorDiv(z.Sub(z, big.NewInt(1)), d)
	return q.Add(q, big.NewInt(1))
}

func mulDown(a, b *big.Int) *big.Int { return mulDivDown(a, b, one18) }
func divDown(a, b *big.Int) *big.Int { return mulDivDown(a, one18, b) }
func mulUp(a, b *big.Int) *big.Int   { return mulDivUp(a, b, one18) }
func divUp(a, b *big.Int) *big.Int   { return mulDivUp(a, one18, b) }

// ilog2 returns floor(log2(x)) for nonzero x, otherwise 0. This is the
// position of the highest set bit.
func ilog2(x *big.Int) int {
	if x.Sign() == 0 {
		return 0
	}
	return x.BitLen() - 1
}

// lnInt computes ln(x) on a 1e18-scaled integer using the reference's
// (8, 8)-term rational approximation in 2**96 basis. Panics with ErrLnDomain
// for non-positive input.
func lnInt(x *big.Int) *big.Int {
	if x.Sign() <= 0 {
		panic(ErrLnDomain)
	}
	// Reduce the range of x to (1, 2) * 2**96: ln(2^k * x) = k*ln(2) + ln(x).
	k := int64(ilog2(x) - 96)
	v := new(big.Int).Set(x)
	v.Lsh(v, uint(159-k))
	v.Rsh(v, 159)

	// p is made monic; the scale factor is applied during finalization.
	p := new(big.Int).Add(v, lnP0)
	p.Mul(p, v).Rsh(p, 96).Add(p, lnP1)
	p.Mul(p, v).Rsh(p, 96).Add(p, lnP2)
	p.Mul(p, v).Rsh(p, 96).Add(p, lnP3)
	p.Mul(p, v).Rsh(p, 96).Add(p, lnP4)
	p.Mul(p, v).Rsh(p, 96).Add(p, lnP5)
	p.Mul(p, v).Sub(p, new(big.Int).Lsh(lnP6, 96))

	// q is monic by convention.
	q := new(big.Int).Add(v, lnQ0)
	q.Mul(q, v).Rsh(q, 96).Add(q, lnQ1)
	q.Mul(q, v).Rsh(q, 96).Add(q, lnQ2)
	q.Mul(q, v).Rsh(q, 96).Add(q, lnQ3)
	q.Mul(q, v).Rsh(q, 96).Add(q, lnQ4)
	q.Mul(q, v).Rsh(q, 96).Add(q, lnQ5)
	q.Mul(q, v).Rsh(q, 96).Add(q, lnQ6)

	// r lands in (0, 0.125) * 2**96; p stays in 2**192 basis so no rescale
	// is needed before the division.
	r := floorDiv(p, q)
	r.Mul(r, lnScale)
	r.Add(r, new(big.Int).Mul(lnK, big.NewInt(k)))
	r.Add(r, lnBase)
	r.Rsh(r, 174)
	return r
}

// expInt computes e^x on a 1e18-scaled integer using the reference's
// (6, 7)-term rational approximation. Results below 0.5e-18 flush to zero;
// arguments at or above expMax panic with ErrExpOverflow.
func expInt(x *big.Int) *big.Int {
	if x.Cmp(expMin) <= 0 {
		return big.NewInt(0)
	}
	if x.Cmp(expMax) >= 0 {
		panic(ErrExpOverflow)
	}
	// Base conversion 1e18 -> 2**96: multiply by 2**78 / 5**18.
	v := new(big.Int).Lsh(x, 78)
	v = floorDiv(v, pow5to18)

	// Factor out powers of two: exp(x) = exp(x') * 2**k with
	// k = round(x / ln 2), k in [-61, 195].
	kNum := new(big.Int).Lsh(v, 96)
	kNum = floorDiv(kNum, ln2x96)
	kNum.Add(kNum, twoPow95)
	kNum.Rsh(kNum, 96)
	k := kNum.Int64()
	v.Sub(v, new(big.Int).Mul(big.NewInt(k), ln2x96))

	p := new(big.Int).Add(v, expP0)
	p.Mul(p, v).Rsh(p, 96).Add(p, expP1)
	p.Mul(p, v).Rsh(p, 96).Add(p, expP2)
	p.Mul(p, v).Rsh(p, 96).Add(p, expP3)
	p.Mul(p, v).Add(p, new(big.Int).Lsh(expP4, 96))

	// Denominator evaluated with Knuth's scheme.
	z := new(big.Int).Add(v, expZ0)
	z.Mul(z, v).Rsh(z, 96).Add(z, expZ1)
	w := new(big.Int).Sub(v, expW0)
	w.Mul(w, z).Rsh(w, 96).Add(w, expW1)
	q := new(big.Int).Add(z, w)
	q.Sub(q, expQ0)
	q.Mul(q, w).Rsh(q, 96).Add(q, expQ1)

	r := floorDiv(p, q)
	r.Mul(r, expScale)
	r.Rsh(r, uint(195-k))
	return r
}

// powInt computes x^y on 1e18-scaled integers via exp(y * ln(x) / 1e18),
// the same logarithmic decomposition the reference uses. x must be positive
// unless it is exactly zero (0^0 = 1, 0^y = 0).
func powInt(x, y *big.Int) *big.Int {
	if x.Sign() == 0 {
		if y.Sign() == 0 {
			return new(big.Int).Set(one18)
		}
		return big.NewInt(0)
	}
	ylnx := new(big.Int).Mul(y, lnInt(x))
	ylnx = floorDiv(ylnx, one18)
	return expInt(ylnx)
}

// sqrtInt computes the square root of a 1e18-scaled integer as x^0.5,
// matching the reference's pow-based implementation.
func sqrtInt(x *big.Int) *big.Int {
	if x.Sign() < 0 {
		panic(ErrSqrtDomain)
	}
	if x.Sign() == 0 || x.Cmp(one18) == 0 {
		return new(big.Int).Set(x)
	}
	return powInt(x, half18)
}
