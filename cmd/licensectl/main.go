// Command licensectl is the operator tool for the license system: key
// generation, manual credential issuance, CRL signing and local
// verification of credential strings.
package main

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"isxlicense/internal/config"
	"isxlicense/internal/credential"
	"isxlicense/internal/revocation"
	"isxlicense/pkg/contracts"
)

const usage = `usage: licensectl <command> [flags]

commands:
  keygen     generate an Ed25519 signing key
  issue      sign a credential with the configured signing key
  verify     verify a credential against the configured public keys
  sign-crl   sign a revocation list with the configured signing key
  version    print build information
`

var errUsage = errors.New("invalid usage")

func main() {
	cfg, err := config.Load(config.RoleTool)
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := run(cfg, os.Args[1:], os.Stdin, os.Stdout, time.Now); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "licensectl:", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, args []string, stdin io.Reader, stdout io.Writer, now func() time.Time) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "keygen":
		return keygen(args, stdout)
	case "issue":
		return issue(cfg, args, stdout, now)
	case "verify":
		return verify(cfg, args, stdin, stdout, now)
	case "sign-crl":
		return signCRL(cfg, args, stdout, now)
	case "version":
		_, err := fmt.Fprintln(stdout, "licensectl", contracts.GetBuildInfo())
		return err
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func keygen(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	version := fs.Int("version", 1, "key version to stamp into credentials")
	out := fs.String("out", "", "write the PEM private key to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if _, err := credential.NewSigningKey(*version, priv); err != nil {
		return err
	}
	pemBytes, err := credential.MarshalPrivateKeyPEM(priv)
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}

	if *out != "" {
		if err := config.EnsureParentDir(*out); err != nil {
			return err
		}
		if err := os.WriteFile(*out, pemBytes, 0o600); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
	} else if _, err := stdout.Write(pemBytes); err != nil {
		return err
	}

	_, err = fmt.Fprintf(stdout, "ISX_SIGNING_KEY_VERSION=%d\nISX_KEYS_PUBLIC_KEYS=%d:%s\n",
		*version, *version, credential.EncodePublicKey(pub))
	return err
}

func issue(cfg *config.Config, args []string, stdout io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("issue", flag.ContinueOnError)
	licenseID := fs.String("license-id", "", "license id (generated when empty)")
	userID := fs.String("user", "", "user id")
	productID := fs.String("product", "isx-pulse", "product id")
	plan := fs.String("plan", string(credential.PlanSubscription), "subscription or lifetime")
	machine := fs.String("machine", "", "bind the credential to this machine id")
	seats := fs.Int("seats", 1, "seat limit")
	grace := fs.Int("grace-days", 7, "grace period after expiry")
	days := fs.Int("days", 30, "subscription length in days")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("%w: -user is required", errUsage)
	}

	key, err := cfg.LoadSigningKey()
	if err != nil {
		return err
	}
	signer, err := credential.NewSigner(key)
	if err != nil {
		return err
	}

	issuedAt := now().UTC()
	expires := credential.FormatTime(issuedAt.AddDate(0, 0, *days))
	if credential.Plan(*plan) == credential.PlanLifetime {
		expires = credential.LifetimeExpiry
	}
	if *licenseID == "" {
		*licenseID = "lic_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	token, err := signer.Issue(credential.Payload{
		LicenseID:         *licenseID,
		UserID:            *userID,
		ProductID:         *productID,
		Plan:              credential.Plan(*plan),
		DeviceFingerprint: *machine,
		SeatLimit:         *seats,
		IssuedAt:          credential.FormatTime(issuedAt),
		ExpiresAt:         expires,
		GraceDays:         *grace,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

type verifyOutput struct {
	Valid       bool                `json:"valid"`
	Reason      credential.Reason   `json:"reason"`
	InGrace     bool                `json:"in_grace,omitempty"`
	ExpiresAt   string              `json:"expires_at,omitempty"`
	GraceEndsAt string              `json:"grace_ends_at,omitempty"`
	Payload     *credential.Payload `json:"payload,omitempty"`
}

func verify(cfg *config.Config, args []string, stdin io.Reader, stdout io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	machine := fs.String("machine", "", "check the device binding against this machine id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	token := fs.Arg(0)
	if token == "" || token == "-" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read credential: %w", err)
		}
		token = line
	}
	token = strings.TrimSpace(token)

	ring, err := cfg.KeyRing()
	if err != nil {
		return err
	}
	verifier, err := credential.NewVerifier(ring)
	if err != nil {
		return err
	}

	out := verifyOutput{Reason: credential.ReasonNoCredential}
	if token != "" {
		res := verifier.Verify(token)
		out.Reason = res.Reason
		if res.Valid {
			p := res.Payload
			out.Payload = &p
			switch {
			case *machine != "" && !p.BoundTo(*machine):
				out.Reason = credential.ReasonDeviceMismatch
			default:
				eval := credential.Policy{ClockSkew: cfg.Client.ClockSkew}.Evaluate(p, now())
				out.Valid = eval.Valid
				out.Reason = eval.Reason
				out.InGrace = eval.InGrace
				out.ExpiresAt = formatOptional(eval.ExpiresAt)
				out.GraceEndsAt = formatOptional(eval.GraceEndsAt)
			}
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if !out.Valid {
		return fmt.Errorf("credential rejected: %s", out.Reason)
	}
	return nil
}

func formatOptional(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return credential.FormatTime(t)
}

func signCRL(cfg *config.Config, args []string, stdout io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("sign-crl", flag.ContinueOnError)
	version := fs.Int64("version", 0, "CRL version, must exceed every version already published")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *version < 1 {
		return fmt.Errorf("%w: -version must be at least 1", errUsage)
	}

	key, err := cfg.LoadSigningKey()
	if err != nil {
		return err
	}
	signer, err := credential.NewSigner(key)
	if err != nil {
		return err
	}

	crl := revocation.New(*version, credential.FormatTime(now()), fs.Args())
	token, err := revocation.Sign(crl, signer)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}
