package expr

import (
	"math"
	"testing"
)

func evalAt(t *testing.T, src string, env map[string]float64) float64 {
	t.Helper()
	e, err := Parse(src)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	v, err := e.Eval(env)
	if err != nil {
		t.Fatalf("eval %q: %v", src, err)
	}
	return v
}

func TestParseEval(t *testing.T) {
	cases := []struct {
		src  string
		env  map[string]float64
		want float64
	}{
		{"1 + 2*3", nil, 7},
		{"(1 + 2)*3", nil, 9},
		{"2^3", nil, 8},
		{"2**3", nil, 8},
		{"2^3^2", nil, 512}, // right associative
		{"-2^2", nil, -4},   // power binds tighter than unary minus
		{"10 - 4 - 3", nil, 3},
		{"sq(3)", nil, 9},
		{"sin(0)", nil, 0},
		{"cos(0)", nil, 1},
		{"x + 2*y", map[string]float64{"x": 1, "y": 3}, 7},
		{"sin(theta)^2 + cos(theta)^2", map[string]float64{"theta": 0.7}, 1},
		{"0.5*J*sq(w)", map[string]float64{"J": 2, "w": 3}, 9},
	}
	for _, c := range cases {
		got := evalAt(t, c.src, c.env)
		if math.Abs(got-c.want) > 1e-12 {
			t.Errorf("%q = %v, want %v", c.src, got, c.want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		"",
		"1 +",
		"(1 + 2",
		"sin()",
		"sin(1",
		"1 2",
		"* 3",
		"foo(1)", // unknown function
		"a @ b",  // stray character after a complete expression
		"1 % 2",
		"sin(x) $ cos(x)",
		"@",
	}
	for _, src := range bad {
		if _, err := Parse(src); err == nil {
			t.Errorf("Parse(%q): expected error", src)
		}
	}
}

func TestEvalUnbound(t *testing.T) {
	e := MustParse("x + y")
	if _, err := e.Eval(map[string]float64{"x": 1}); err == nil {
		t.Fatal("expected error for unbound variable")
	}
}

func TestDiff(t *testing.T) {
	env := map[string]float64{"x": 0.8, "y": -1.3}
	cases := []struct {
		src  string
		by   string
		want func(x, y float64) float64
	}{
		{"x^2", "x", func(x, y float64) float64 { return 2 * x }},
		{"x^2", "y", func(x, y float64) float64 { return 0 }},
		{"x*y", "x", func(x, y float64) float64 { return y }},
		{"sin(x)", "x", func(x, y float64) float64 { return math.Cos(x) }},
		{"cos(x)", "x", func(x, y float64) float64 { return -math.Sin(x) }},
		{"sq(x)", "x", func(x, y float64) float64 { return 2 * x }},
		{"x/y", "y", func(x, y float64) float64 { return -x / (y * y) }},
		{"sin(x*y)", "x", func(x, y float64) float64 { return y * math.Cos(x*y) }},
		{"2^x", "x", func(x, y float64) float64 { return math.Pow(2, x) * math.Log(2) }},
	}
	for _, c := range cases {
		e := MustParse(c.src)
		got, err := e.Diff(c.by).Eval(env)
		if err != nil {
			t.Fatalf("d(%s)/d%s eval: %v", c.src, c.by, err)
		}
		want := c.want(env["x"], env["y"])
		if math.Abs(got-want) > 1e-10 {
			t.Errorf("d(%s)/d%s = %v, want %v", c.src, c.by, got, want)
		}
	}
}

func TestDiffMatchesFiniteDifference(t *testing.T) {
	srcs := []string{
		"sin(x)*cos(y) + x^3*y",
		"sq(sin(2*x)) / (1 + sq(y))",
		"x^2*cos(x*y) - y/x",
	}
	env := map[string]float64{"x": 1.1, "y": 0.4}
	const h = 1e-6
	for _, src := range srcs {
		e := MustParse(src)
		for _, name := range []string{"x", "y"} {
			sym, err := e.Diff(name).Eval(env)
			if err != nil {
				t.Fatalf("%s: %v", src, err)
			}
			up := map[string]float64{"x": env["x"], "y": env["y"]}
			dn := map[string]float64{"x": env["x"], "y": env["y"]}
			up[name] += h
			dn[name] -= h
			fUp, _ := e.Eval(up)
			fDn, _ := e.Eval(dn)
			num := (fUp - fDn) / (2 * h)
			if math.Abs(sym-num) > 1e-5 {
				t.Errorf("d(%s)/d%s: symbolic %v vs numeric %v", src, name, sym, num)
			}
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	srcs := []string{
		"x + y*z",
		"-(x + 1)",
		"sin(x)^2",
		"(a + b)/(c - d)",
		"sq(cos(theta2))",
	}
	env := map[string]float64{
		"x": 0.3, "y": 1.7, "z": -0.2,
		"a": 1, "b": 2, "c": 5, "d": 3,
		"theta2": 0.9,
	}
	for _, src := range srcs {
		e := MustParse(src)
		again := MustParse(e.String())
		v1, err := e.Eval(env)
		if err != nil {
			t.Fatalf("%s: %v", src, err)
		}
		v2, err := again.Eval(env)
		if err != nil {
			t.Fatalf("%s reparsed: %v", e.String(), err)
		}
		if math.Abs(v1-v2) > 1e-12 {
			t.Errorf("%q rendered as %q: %v != %v", src, e.String(), v1, v2)
		}
	}
}

func TestFreeVars(t *testing.T) {
	e := MustParse("sin(theta2)*dtheta1 + Torque1 - g")
	vars := FreeVars(e)
	for _, want := range []string{"theta2", "dtheta1", "Torque1", "g"} {
		if _, ok := vars[want]; !ok {
			t.Errorf("missing free variable %q", want)
		}
	}
	if len(vars) != 4 {
		t.Errorf("expected 4 free variables, got %d", len(vars))
	}
}

func TestCompile(t *testing.T) {
	e := MustParse("g*sin(theta) + u")
	slots := map[string]int{"theta": 0, "u": 1}
	consts := map[string]float64{"g": 9.81}
	fn, err := Compile(e, slots, consts)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	got := fn([]float64{math.Pi / 2, 1})
	want := 9.81 + 1
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("compiled eval = %v, want %v", got, want)
	}
}

func TestCompileUnresolved(t *testing.T) {
	e := MustParse("a + b")
	if _, err := Compile(e, map[string]int{"a": 0}, nil); err == nil {
		t.Fatal("expected error for unresolved symbol")
	}
}
