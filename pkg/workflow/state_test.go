package workflow

import (
	"reflect"
	"testing"
)

func TestMerge_ShallowOverwrite(t *testing.T) {
	base := State{"a": 1, "b": "keep", "arr": []int{1, 2}}
	patch := State{"a": 2, "arr": []int{9}}
	out := Merge(base, patch)

	if out.GetInt("a") != 2 {
		t.Errorf("a = %v", out["a"])
	}
	if out.GetString("b") != "keep" {
		t.Errorf("undefined keys must be preserved, b = %v", out["b"])
	}
	if !reflect.DeepEqual(out["arr"], []int{9}) {
		t.Errorf("arrays are replaced, not merged: %v", out["arr"])
	}
	// base 不被修改
	if base.GetInt("a") != 1 {
		t.Errorf("base mutated: %v", base["a"])
	}
}

func TestMerge_NilBase(t *testing.T) {
	out := Merge(nil, State{"x": true})
	if !out.GetBool("x") {
		t.Errorf("out = %+v", out)
	}
}

func TestStateAccessors(t *testing.T) {
	s := State{"i": float64(7), "s": "str", "b": true}
	if s.GetInt("i") != 7 {
		t.Errorf("GetInt float64 = %d", s.GetInt("i"))
	}
	if s.GetString("s") != "str" || s.GetString("missing") != "" {
		t.Error("GetString")
	}
	if !s.GetBool("b") || s.GetBool("missing") {
		t.Error("GetBool")
	}
}
