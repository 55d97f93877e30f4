package main

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"PooledVault/internal/eip712"
)

var signDepositOpts struct {
	key     string
	owner   string
	batcher string
	chainID int64
}

var signDepositCmd = &cobra.Command{
	Use:   "sign-deposit",
	Short: "用验证私钥为存款地址签发 EIP-712 授权",
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts := signDepositOpts
		if !common.IsHexAddress(opts.owner) || !common.IsHexAddress(opts.batcher) {
			return fmt.Errorf("owner 与 batcher 必须是合法地址")
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.key, "0x"))
		if err != nil {
			return fmt.Errorf("解析私钥失败: %w", err)
		}
		signer := eip712.NewDepositSigner(big.NewInt(opts.chainID), common.HexToAddress(opts.batcher))
		sig, err := signer.Sign(key, common.HexToAddress(opts.owner))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "authority: %s\nsignature: 0x%s\n",
			crypto.PubkeyToAddress(key.PublicKey).Hex(), hex.EncodeToString(sig))
		return err
	},
}

func init() {
	flags := signDepositCmd.Flags()
	flags.StringVar(&signDepositOpts.key, "key", "", "验证者私钥 (hex)")
	flags.StringVar(&signDepositOpts.owner, "owner", "", "被授权存款的地址")
	flags.StringVar(&signDepositOpts.batcher, "batcher", "", "批处理器地址")
	flags.Int64Var(&signDepositOpts.chainID, "chain-id", 1, "链 ID")
	_ = signDepositCmd.MarkFlagRequired("key")
	_ = signDepositCmd.MarkFlagRequired("owner")
	_ = signDepositCmd.MarkFlagRequired("batcher")
}
