package cond

import "testing"

func TestEvaluateAlways(t *testing.T) {
	ok, err := Evaluate("always", "completed", nil)
	if err != nil || !ok {
		t.Fatalf("always: got (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = Evaluate("", "failed", nil)
	if err != nil || !ok {
		t.Fatalf("empty condition: got (%v, %v), want (true, nil)", ok, err)
	}
}

func TestEvaluateStatusPassFail(t *testing.T) {
	cases := []struct {
		cond   string
		status string
		want   bool
	}{
		{`status == "pass"`, "completed", true},
		{`status == "pass"`, "failed", false},
		{`status == "fail"`, "failed", true},
		{`status == "fail"`, "completed", false},
	}
	for _, c := range cases {
		ok, err := Evaluate(c.cond, c.status, nil)
		if err != nil {
			t.Fatalf("%s/%s: unexpected error %v", c.cond, c.status, err)
		}
		if ok != c.want {
			t.Errorf("%s/%s: got %v, want %v", c.cond, c.status, ok, c.want)
		}
	}
}

func TestEvaluateOutputComparisons(t *testing.T) {
	out := map[string]any{"duration": 12.5, "model_used": "opus", "merge_success": true}

	ok, err := Evaluate("output.duration > 10", "completed", out)
	if err != nil || !ok {
		t.Fatalf("duration > 10: got (%v, %v)", ok, err)
	}
	ok, err = Evaluate("output.duration <= 10", "completed", out)
	if err != nil || ok {
		t.Fatalf("duration <= 10: got (%v, %v), want false", ok, err)
	}
	ok, err = Evaluate(`output.model_used == "opus"`, "completed", out)
	if err != nil || !ok {
		t.Fatalf("model_used == opus: got (%v, %v)", ok, err)
	}
	ok, err = Evaluate("output.merge_success == true", "completed", out)
	if err != nil || !ok {
		t.Fatalf("merge_success == true: got (%v, %v)", ok, err)
	}
}

func TestEvaluateNonNumericOrderingIsError(t *testing.T) {
	out := map[string]any{"model_used": "opus"}
	_, err := Evaluate("output.model_used > 10", "completed", out)
	if err == nil {
		t.Fatal("expected evaluation error for non-numeric ordering comparison")
	}
}

func TestEvaluateMissingFieldEqualsNull(t *testing.T) {
	ok, err := Evaluate("output.error_details == null", "completed", map[string]any{})
	if err != nil || !ok {
		t.Fatalf("missing field == null: got (%v, %v)", ok, err)
	}
}

func TestEvaluateUnrecognizedCondition(t *testing.T) {
	_, err := Evaluate("garbage", "completed", nil)
	if err == nil {
		t.Fatal("expected error for unrecognized condition")
	}
}
