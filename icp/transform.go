package icp

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// RigidTransform maps p to R·p + t. R must be a proper rotation.
type RigidTransform struct {
	Rotation    *mat.Dense
	Translation r3.Vec
}

// IdentityTransform returns the transform that leaves points unchanged.
func IdentityTransform() RigidTransform {
	return RigidTransform{Rotation: eye3()}
}

// NewRigidTransform copies rot (3×3) and pairs it with t.
func NewRigidTransform(rot mat.Matrix, t r3.Vec) RigidTransform {
	return RigidTransform{Rotation: mat.DenseCopyOf(rot), Translation: t}
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

func (tr RigidTransform) rotation() mat.Matrix {
	if tr.Rotation == nil {
		return eye3()
	}
	return tr.Rotation
}

// Rotate applies only the rotation part to v.
func (tr RigidTransform) Rotate(v r3.Vec) r3.Vec {
	return mulVec(tr.rotation(), v)
}

// Apply maps p through the transform.
func (tr RigidTransform) Apply(p r3.Vec) r3.Vec {
	return r3.Add(tr.Rotate(p), tr.Translation)
}

// Then returns the transform equivalent to applying tr first and next second.
func (tr RigidTransform) Then(next RigidTransform) RigidTransform {
	var r mat.Dense
	r.Mul(next.rotation(), tr.rotation())
	return RigidTransform{
		Rotation:    &r,
		Translation: next.Apply(tr.Translation),
	}
}

// Inverse returns the transform undoing tr.
func (tr RigidTransform) Inverse() RigidTransform {
	rt := mat.DenseCopyOf(tr.rotation().T())
	inv := RigidTransform{Rotation: rt}
	inv.Translation = r3.Scale(-1, inv.Rotate(tr.Translation))
	return inv
}

// Determinant returns det(R).
func (tr RigidTransform) Determinant() float64 {
	return mat.Det(tr.rotation())
}

// OrthonormalityError returns ‖RᵀR − I‖ (Frobenius).
func (tr RigidTransform) OrthonormalityError() float64 {
	var rtr, d mat.Dense
	rtr.Mul(tr.rotation().T(), tr.rotation())
	d.Sub(&rtr, eye3())
	return mat.Norm(&d, 2)
}

// IsProper reports whether R is orthonormal with det(R) = +1 within tol.
func (tr RigidTransform) IsProper(tol float64) bool {
	return tr.OrthonormalityError() < tol && math.Abs(tr.Determinant()-1) < tol
}

// RotationError returns the Frobenius norm ‖R − other.R‖.
func (tr RigidTransform) RotationError(other RigidTransform) float64 {
	var d mat.Dense
	d.Sub(tr.rotation(), other.rotation())
	return mat.Norm(&d, 2)
}

// TranslationError returns ‖t − other.t‖.
func (tr RigidTransform) TranslationError(other RigidTransform) float64 {
	return r3.Norm(r3.Sub(tr.Translation, other.Translation))
}

// String formats the transform on one line for logs.
func (tr RigidTransform) String() string {
	r := tr.rotation()
	return fmt.Sprintf("R=[%.6f %.6f %.6f; %.6f %.6f %.6f; %.6f %.6f %.6f] t=(%.6f, %.6f, %.6f)",
		r.At(0, 0), r.At(0, 1), r.At(0, 2),
		r.At(1, 0), r.At(1, 1), r.At(1, 2),
		r.At(2, 0), r.At(2, 1), r.At(2, 2),
		tr.Translation.X, tr.Translation.Y, tr.Translation.Z)
}

type transformJSON struct {
	Rotation    [3][3]float64 `json:"rotation"`
	Translation [3]float64    `json:"translation"`
}

// MarshalJSON encodes R row by row and t as a 3-array.
func (tr RigidTransform) MarshalJSON() ([]byte, error) {
	var out transformJSON
	r := tr.rotation()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Rotation[i][j] = r.At(i, j)
		}
	}
	out.Translation = comps(tr.Translation)
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (tr *RigidTransform) UnmarshalJSON(data []byte) error {
	var in transformJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	tr.Rotation = mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			tr.Rotation.Set(i, j, in.Rotation[i][j])
		}
	}
	tr.Translation = r3.Vec{X: in.Translation[0], Y: in.Translation[1], Z: in.Translation[2]}
	return nil
}

func mulVec(m mat.Matrix, v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// AxisAngle returns the rotation of angle radians about axis (right-handed).
func AxisAngle(axis r3.Vec, angle float64) *mat.Dense {
	u := r3.Unit(axis)
	c, s := math.Cos(angle), math.Sin(angle)
	k := 1 - c
	return mat.NewDense(3, 3, []float64{
		c + u.X*u.X*k, u.X*u.Y*k - u.Z*s, u.X*u.Z*k + u.Y*s,
		u.Y*u.X*k + u.Z*s, c + u.Y*u.Y*k, u.Y*u.Z*k - u.X*s,
		u.Z*u.X*k - u.Y*s, u.Z*u.Y*k + u.X*s, c + u.Z*u.Z*k,
	})
}

// EulerXYZ returns the intrinsic X-Y-Z rotation Rx(a)·Ry(b)·Rz(c) for angles
// given in degrees.
func EulerXYZ(degX, degY, degZ float64) *mat.Dense {
	rx := AxisAngle(r3.Vec{X: 1}, degX*math.Pi/180)
	ry := AxisAngle(r3.Vec{Y: 1}, degY*math.Pi/180)
	rz := AxisAngle(r3.Vec{Z: 1}, degZ*math.Pi/180)
	var xy, r mat.Dense
	xy.Mul(rx, ry)
	r.Mul(&xy, rz)
	return &r
}

// QuaternionRotation converts q to a rotation matrix after normalising it,
// so any non-zero quaternion yields a proper rotation. ok is false for a
// (near) zero quaternion.
func QuaternionRotation(q quat.Number) (rot *mat.Dense, ok bool) {
	n := quat.Abs(q)
	if n < 1e-12 || math.IsNaN(n) || math.IsInf(n, 0) {
		return eye3(), false
	}
	q = quat.Scale(1/n, q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}), true
}
