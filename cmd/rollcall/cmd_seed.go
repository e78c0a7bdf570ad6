package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/rollcall/internal/store"
)

var (
	seedCompanies   int
	seedCollections int
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo data for development",
}

var seedDemoCmd = &cobra.Command{
	Use:          "demo",
	Short:        "Seed demo collections and companies into the local database",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if seedCompanies <= 0 {
			return fmt.Errorf("--companies must be > 0")
		}
		if seedCollections <= 0 {
			return fmt.Errorf("--collections must be > 0")
		}

		db, err := store.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		st := store.NewStore(db)
		defer st.Close()

		companyIDs := make([]int64, 0, seedCompanies)
		for i := 0; i < seedCompanies; i++ {
			id, err := st.CreateCompany(fmt.Sprintf("Seed Company %04d", i))
			if err != nil {
				return fmt.Errorf("seed company %d: %w", i, err)
			}
			companyIDs = append(companyIDs, id)
		}

		collectionIDs := make([]string, 0, seedCollections)
		for i := 0; i < seedCollections; i++ {
			id, err := st.CreateCollection(fmt.Sprintf("Seed Collection %d", i))
			if err != nil {
				return fmt.Errorf("seed collection %d: %w", i, err)
			}
			collectionIDs = append(collectionIDs, id)
		}

		// Fill the first collection so bulk operations have a source to
		// draw from.
		if _, err := st.InsertMembers(collectionIDs[0], companyIDs); err != nil {
			return fmt.Errorf("seed memberships: %w", err)
		}

		fmt.Printf("Seeded %d companies and %d collections.\n", seedCompanies, seedCollections)
		fmt.Printf("- source collection: %s (%d members)\n", collectionIDs[0], len(companyIDs))
		for _, id := range collectionIDs[1:] {
			fmt.Printf("- empty collection: %s\n", id)
		}
		return nil
	},
}

func init() {
	seedDemoCmd.Flags().IntVar(&seedCompanies, "companies", 500, "Number of companies to create")
	seedDemoCmd.Flags().IntVar(&seedCollections, "collections", 3, "Number of collections to create")
	seedDemoCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for SQLite database files")
	seedCmd.AddCommand(seedDemoCmd)
	rootCmd.AddCommand(seedCmd)
}
