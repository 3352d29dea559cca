package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestSpans(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		from  uint64
		to    uint64
		limit uint64
		want  [][2]uint64
	}{
		{name: "single block", from: 5, to: 5, limit: 100, want: [][2]uint64{{5, 5}}},
		{name: "within limit", from: 0, to: 9, limit: 10, want: [][2]uint64{{0, 9}}},
		{name: "exact split", from: 0, to: 19, limit: 10, want: [][2]uint64{{0, 9}, {10, 19}}},
		{name: "remainder", from: 100, to: 125, limit: 10, want: [][2]uint64{{100, 109}, {110, 119}, {120, 125}}},
		{name: "inverted", from: 10, to: 9, limit: 10, want: nil},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := spans(tc.from, tc.to, tc.limit)
			if len(got) != len(tc.want) {
				t.Fatalf("spans(%d, %d, %d) = %v, want %v", tc.from, tc.to, tc.limit, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("span %d = %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestSpanLimit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		endpoint uint64
		hard     uint64
		want     uint64
	}{
		{name: "endpoint tighter", endpoint: 2000, hard: 10000, want: 2000},
		{name: "hard tighter", endpoint: 50000, hard: 10000, want: 10000},
		{name: "unset endpoint", endpoint: 0, hard: 10000, want: 10000},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := spanLimit(tc.endpoint, tc.hard); got != tc.want {
				t.Fatalf("spanLimit(%d, %d) = %d, want %d", tc.endpoint, tc.hard, got, tc.want)
			}
		})
	}
}

func TestSplitMintBurn(t *testing.T) {
	t.Parallel()

	zero := "0x0000000000000000000000000000000000000000"
	events := []TransferEvent{
		{TxHash: "a", From: zero, To: "0xAA", Value: big.NewInt(100)},
		{TxHash: "b", From: "0xAA", To: "0xBB", Value: big.NewInt(50)},
		{TxHash: "c", From: "0xBB", To: zero, Value: big.NewInt(25)},
	}

	res := splitMintBurn(events, isEVMZeroAddress)
	if len(res.Mints) != 1 || res.Mints[0].TxHash != "a" {
		t.Fatalf("mints = %+v, want single tx a", res.Mints)
	}
	if len(res.Burns) != 1 || res.Burns[0].TxHash != "c" {
		t.Fatalf("burns = %+v, want single tx c", res.Burns)
	}
}

func TestIsEVMZeroAddress(t *testing.T) {
	t.Parallel()

	cases := []struct {
		addr string
		want bool
	}{
		{"0x0000000000000000000000000000000000000000", true},
		{"0x0000000000000000000000000000000000000001", false},
		{"0xdAC17F958D2ee523a2206206994597C13D831ec7", false},
	}
	for _, tc := range cases {
		if got := isEVMZeroAddress(tc.addr); got != tc.want {
			t.Errorf("isEVMZeroAddress(%s) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestIsTronZeroAddress(t *testing.T) {
	t.Parallel()

	cases := []struct {
		addr string
		want bool
	}{
		{"T9yD14Nj9j7xAB4dbGeiX9h8unkKHxuWwb", true},
		{"410000000000000000000000000000000000000000", true},
		{"0x0000000000000000000000000000000000000000", true},
		{"TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", false},
		{"0x00000000000000000000000000000000000000a1", false},
	}
	for _, tc := range cases {
		if got := isTronZeroAddress(tc.addr); got != tc.want {
			t.Errorf("isTronZeroAddress(%s) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestTronToHexAddress(t *testing.T) {
	t.Parallel()

	usdt := common.HexToAddress("0xa614f803b6fd780986a42c78ec9c7f77e6ded13c").Hex()
	cases := []struct {
		name    string
		addr    string
		want    string
		wantErr bool
	}{
		{name: "hex 41 form", addr: "41a614f803b6fd780986a42c78ec9c7f77e6ded13c", want: usdt},
		{name: "0x form passthrough", addr: "0xa614f803b6fd780986a42c78ec9c7f77e6ded13c", want: usdt},
		{name: "garbage", addr: "notanaddress", wantErr: true},
		{name: "short base58", addr: "Tabc", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tronToHexAddress(tc.addr)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("tronToHexAddress(%s) = %s, want error", tc.addr, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("tronToHexAddress(%s): %v", tc.addr, err)
			}
			if got != tc.want {
				t.Fatalf("tronToHexAddress(%s) = %s, want %s", tc.addr, got, tc.want)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		err       error
		transient bool
		permanent bool
	}{
		{name: "nil", err: nil},
		{name: "timeout sentinel", err: ErrRpcTimeout, transient: true},
		{name: "wrapped timeout", err: fmt.Errorf("eth_getLogs: %w", ErrRpcTimeout), transient: true},
		{name: "receipt missing", err: ErrReceiptMissing, transient: true},
		{name: "provider 503", err: errors.New("503 Service Unavailable"), transient: true},
		{name: "429", err: errors.New("too many requests"), transient: true},
		{name: "method missing", err: errors.New("the method eth_getLogs does not exist/method not found"), permanent: true},
		{name: "unsupported chain", err: ErrChainUnsupported, permanent: true},
		{name: "not connected", err: ErrNotConnected, permanent: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransient(tc.err); got != tc.transient {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.transient)
			}
			if got := IsPermanent(tc.err); got != tc.permanent {
				t.Errorf("IsPermanent(%v) = %v, want %v", tc.err, got, tc.permanent)
			}
		})
	}
}

func TestIsRangeTooLarge(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("query returned more than 10000 results"), true},
		{errors.New("eth_getLogs block range is too wide: range too large"), true},
		{errors.New("execution reverted"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := isRangeTooLarge(tc.err); got != tc.want {
			t.Errorf("isRangeTooLarge(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

// fakeRPC serves the minimal JSON-RPC surface CreationBlock touches. With
// archive false every eth_getCode at a numbered block errors, which is how
// non-archive endpoints refuse historical state.
type fakeRPC struct {
	head          uint64
	creation      uint64
	deployed      bool
	archive       bool
	firstTransfer uint64
}

func (f fakeRPC) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		reply := func(result string) {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, req.ID, result)
		}
		fail := func(msg string) {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32000,"message":%q}}`, req.ID, msg)
		}
		hexBlock := func(raw json.RawMessage) (uint64, bool) {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return 0, false
			}
			n, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
			return n, err == nil
		}

		switch req.Method {
		case "eth_blockNumber":
			reply(fmt.Sprintf(`"0x%x"`, f.head))
		case "eth_getCode":
			block, ok := hexBlock(req.Params[1])
			if !ok {
				fail("bad block parameter")
				return
			}
			if !f.archive {
				fail("missing trie node")
				return
			}
			if f.deployed && block >= f.creation {
				reply(`"0x6080"`)
			} else {
				reply(`"0x"`)
			}
		case "eth_getLogs":
			var q struct {
				FromBlock string `json:"fromBlock"`
				ToBlock   string `json:"toBlock"`
			}
			if err := json.Unmarshal(req.Params[0], &q); err != nil {
				fail("bad filter")
				return
			}
			from, _ := strconv.ParseUint(strings.TrimPrefix(q.FromBlock, "0x"), 16, 64)
			to, _ := strconv.ParseUint(strings.TrimPrefix(q.ToBlock, "0x"), 16, 64)
			if f.deployed && f.firstTransfer >= from && f.firstTransfer <= to {
				reply(fmt.Sprintf(`[{
					"address":"0xdac17f958d2ee523a2206206994597c13d831ec7",
					"topics":[
						"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
						"0x0000000000000000000000000000000000000000000000000000000000000000",
						"0x000000000000000000000000dac17f958d2ee523a2206206994597c13d831ec7"
					],
					"data":"0x00000000000000000000000000000000000000000000000000000000000f4240",
					"blockNumber":"0x%x",
					"transactionHash":"0x1111111111111111111111111111111111111111111111111111111111111111",
					"transactionIndex":"0x0",
					"blockHash":"0x2222222222222222222222222222222222222222222222222222222222222222",
					"logIndex":"0x0",
					"removed":false
				}]`, f.firstTransfer))
			} else {
				reply(`[]`)
			}
		default:
			fail("method not supported: " + req.Method)
		}
	}
}

func TestCreationBlock(t *testing.T) {
	t.Parallel()

	address := "0xdAC17F958D2ee523a2206206994597C13D831ec7"
	cases := []struct {
		name    string
		fake    fakeRPC
		want    uint64
		wantErr error
	}{
		{
			name: "creation at genesis",
			fake: fakeRPC{head: 500, creation: 0, deployed: true, archive: true},
			want: 0,
		},
		{
			name: "creation at head",
			fake: fakeRPC{head: 500, creation: 500, deployed: true, archive: true},
			want: 500,
		},
		{
			name: "binary search mid range",
			fake: fakeRPC{head: 5000, creation: 1234, deployed: true, archive: true},
			want: 1234,
		},
		{
			name: "non-archive falls back to transfer scan",
			fake: fakeRPC{head: 5000, deployed: true, archive: false, firstTransfer: 1234},
			want: 1234,
		},
		{
			name:    "never deployed",
			fake:    fakeRPC{head: 500, archive: true},
			wantErr: ErrCreationUnknown,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(tc.fake.handler())
			t.Cleanup(srv.Close)

			adapter := newEVMAdapter(Config{URL: srv.URL})
			ctx := context.Background()
			if err := adapter.Connect(ctx); err != nil {
				t.Fatalf("connect: %v", err)
			}
			t.Cleanup(func() { adapter.Disconnect() })

			got, err := adapter.CreationBlock(ctx, address)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("CreationBlock err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("CreationBlock: %v", err)
			}
			if got != tc.want {
				t.Fatalf("CreationBlock = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestNewAdapterUnsupported(t *testing.T) {
	t.Parallel()

	if _, err := New("bitcoin", Config{URL: "http://localhost"}); !errors.Is(err, ErrChainUnsupported) {
		t.Fatalf("New(bitcoin) err = %v, want ErrChainUnsupported", err)
	}
}
